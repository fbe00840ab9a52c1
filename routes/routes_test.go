package routes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"companion-chat/config"
	"companion-chat/controllers"
	"companion-chat/models"
	"companion-chat/services"
	"companion-chat/testutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type envelope struct {
	Code  int             `json:"code"`
	Data  json.RawMessage `json:"data"`
	Meta  json.RawMessage `json:"meta"`
	Error struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"error"`
}

type testServer struct {
	t        *testing.T
	db       *gorm.DB
	engine   *gin.Engine
	identity *services.JWTIdentity
	tokens   map[string]string
	routes   int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.NewDB(t)
	future := time.Now().Add(time.Hour)
	testutil.CreateUser(t, db, "alice", "Alice", nil)
	testutil.CreateUser(t, db, "bob", "Bob", nil)
	testutil.CreateUser(t, db, "carol", "Carol", &future)

	cfg := &config.Config{
		AllowedOrigins:   []string{"*"},
		ReminderSecret:   "tick",
		UploadDir:        t.TempDir(),
		UploadBaseURL:    "/uploads",
		UploadTimeout:    time.Second,
		MaxUploadBytes:   1 << 10,
		MaxMessageLength: 100,
		TypingTimeout:    10 * time.Second,
	}
	log := zap.NewNop()
	storage, err := services.NewDiskStorage(cfg.UploadDir, cfg.UploadBaseURL)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	identity := services.NewJWTIdentity("test-secret", db)
	gate := services.NewGate(db, services.NewUserEntitlements(db))
	messages := services.NewMessageStore(db, gate, storage, log, services.MessageStoreOptions{
		MaxLength:     cfg.MaxMessageLength,
		UploadTimeout: cfg.UploadTimeout,
	})
	notifications := services.NewNotifications(db, gate, messages, log)
	dispatcher := services.NewDispatcher(services.DispatcherDeps{
		Registry:      services.NewRegistry(),
		Typing:        services.NewTyping(cfg.TypingTimeout, nil),
		Gate:          gate,
		Messages:      messages,
		Notifications: notifications,
		Log:           log,
	})
	h := &controllers.Controller{
		Config:        cfg,
		DB:            db,
		Connections:   services.NewConnections(db, gate),
		Messages:      messages,
		Notifications: notifications,
		Dispatcher:    dispatcher,
		WS:            services.NewWSHandler(identity, dispatcher, cfg.AllowedOrigins, log),
		Log:           log,
	}

	ts := &testServer{t: t, db: db, engine: RegisterRoutes(h, identity, log), identity: identity, tokens: map[string]string{}}
	for _, id := range []string{"alice", "bob", "carol"} {
		tok, err := identity.Issue(id, time.Hour)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		ts.tokens[id] = tok
	}
	return ts
}

func (ts *testServer) do(method, path, user string, body interface{}) (int, envelope) {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			ts.t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return ts.serve(req, user)
}

func (ts *testServer) serve(req *http.Request, user string) (int, envelope) {
	ts.t.Helper()
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+ts.tokens[user])
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	var env envelope
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			ts.t.Fatalf("%s %s: decode %q: %v", req.Method, req.URL, w.Body.String(), err)
		}
	}
	return w.Code, env
}

func decode(t *testing.T, raw json.RawMessage, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
}

func (ts *testServer) createConnection(requester, party string, accept bool) string {
	ts.t.Helper()
	ts.routes++
	code, env := ts.do(http.MethodPost, "/api/connections", requester, map[string]string{
		"partyId": party, "role": "seeker", "route": fmt.Sprintf("route-%d", ts.routes), "travelDate": "2025-06-01",
	})
	if code != http.StatusCreated {
		ts.t.Fatalf("create connection: %d %+v", code, env.Error)
	}
	var conn struct {
		ID string `json:"id"`
	}
	decode(ts.t, env.Data, &conn)
	if accept {
		code, env = ts.do(http.MethodPut, "/api/connections/"+conn.ID+"/status", party, map[string]string{"status": "accepted"})
		if code != http.StatusOK {
			ts.t.Fatalf("accept: %d %+v", code, env.Error)
		}
	}
	return conn.ID
}

func TestHealthAndAuth(t *testing.T) {
	ts := newTestServer(t)

	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}

	if code, _ := ts.do(http.MethodGet, "/api/userinfo", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/userinfo", nil)
	req.Header.Set("Authorization", "Bearer nonsense")
	if code, _ := ts.serve(req, ""); code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d", code)
	}

	code, env := ts.do(http.MethodGet, "/api/userinfo", "carol", nil)
	var info controllers.UserInfoResponse
	decode(t, env.Data, &info)
	if code != http.StatusOK || info.ID != "carol" || !info.IsPro {
		t.Fatalf("userinfo = %d %+v", code, info)
	}
}

func TestConnectionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]string{"partyId": "bob", "role": "helper", "route": "CDG-NRT", "travelDate": "2025-07-01"}

	code, env := ts.do(http.MethodPost, "/api/connections", "alice", body)
	if code != http.StatusCreated {
		t.Fatalf("create = %d %+v", code, env.Error)
	}
	var conn struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		PeerID     string `json:"peerId"`
		PeerOnline bool   `json:"peerOnline"`
	}
	decode(t, env.Data, &conn)
	if conn.Status != "pending" || conn.PeerID != "bob" || conn.PeerOnline {
		t.Fatalf("connection = %+v", conn)
	}

	if code, _ := ts.do(http.MethodPost, "/api/connections", "bob", map[string]string{
		"partyId": "alice", "role": "seeker", "route": "cdg-nrt", "travelDate": "2025-07-01",
	}); code != http.StatusOK {
		t.Fatalf("duplicate = %d", code)
	}

	bad := map[string]string{"partyId": "bob", "role": "admin", "route": "X", "travelDate": "2025-07-01"}
	if code, _ := ts.do(http.MethodPost, "/api/connections", "alice", bad); code != http.StatusBadRequest {
		t.Fatalf("bad role = %d", code)
	}
	self := map[string]string{"partyId": "alice", "role": "helper", "route": "X", "travelDate": "2025-07-01"}
	if code, env := ts.do(http.MethodPost, "/api/connections", "alice", self); code != http.StatusBadRequest || env.Error.Reason != "self_connection" {
		t.Fatalf("self = %d %+v", code, env.Error)
	}

	if code, _ := ts.do(http.MethodGet, "/api/connections/"+conn.ID, "carol", nil); code != http.StatusForbidden {
		t.Fatalf("outsider get = %d", code)
	}
	if code, env := ts.do(http.MethodPut, "/api/connections/"+conn.ID+"/status", "alice", map[string]string{"status": "accepted"}); code != http.StatusBadRequest || env.Error.Reason != "invalid_transition" {
		t.Fatalf("requester accept = %d %+v", code, env.Error)
	}
	if code, _ := ts.do(http.MethodPut, "/api/connections/"+conn.ID+"/status", "bob", map[string]string{"status": "archived"}); code != http.StatusBadRequest {
		t.Fatalf("unknown status = %d", code)
	}
	if code, _ := ts.do(http.MethodPut, "/api/connections/"+conn.ID+"/status", "bob", map[string]string{"status": "accepted"}); code != http.StatusOK {
		t.Fatalf("accept = %d", code)
	}

	code, env = ts.do(http.MethodGet, "/api/notifications", "alice", nil)
	var feed struct {
		Notifications []models.Notification `json:"notifications"`
		UnreadCount   int64                 `json:"unreadCount"`
	}
	decode(t, env.Data, &feed)
	if code != http.StatusOK || len(feed.Notifications) != 1 || feed.Notifications[0].Title != "Connection accepted" {
		t.Fatalf("alice feed = %d %+v", code, feed)
	}
	_, env = ts.do(http.MethodGet, "/api/notifications", "bob", nil)
	decode(t, env.Data, &feed)
	if len(feed.Notifications) != 1 || feed.Notifications[0].Title != "New connection request" {
		t.Fatalf("bob feed = %+v", feed)
	}

	code, env = ts.do(http.MethodGet, "/api/connections?status=accepted", "bob", nil)
	var list []json.RawMessage
	decode(t, env.Data, &list)
	if code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list = %d %d", code, len(list))
	}
	if code, _ := ts.do(http.MethodGet, "/api/connections?role=boss", "bob", nil); code != http.StatusBadRequest {
		t.Fatalf("bad filter = %d", code)
	}
}

// Scenarios A, B and C over HTTP.
func TestMessagingFlow(t *testing.T) {
	ts := newTestServer(t)
	pending := ts.createConnection("bob", "alice", false)
	connID := ts.createConnection("alice", "bob", true)

	code, env := ts.do(http.MethodPost, "/api/messages", "bob", map[string]string{"connectionId": pending, "content": "hi"})
	if code != http.StatusForbidden || env.Error.Reason != "requiresPro" {
		t.Fatalf("pending send = %d %+v", code, env.Error)
	}

	var ids []uint
	for i := 0; i < 3; i++ {
		code, env = ts.do(http.MethodPost, "/api/messages", "alice", map[string]string{"connectionId": connID, "content": fmt.Sprintf("Hello %d", i)})
		if code != http.StatusCreated {
			t.Fatalf("send = %d %+v", code, env.Error)
		}
		var msg models.Message
		decode(t, env.Data, &msg)
		if msg.MessageType != models.MessageText || msg.IsDelivered || msg.IsRead || msg.ReceiverID != "bob" {
			t.Fatalf("sent message = %+v", msg)
		}
		ids = append(ids, msg.ID)
	}
	if code, _ := ts.do(http.MethodPost, "/api/messages", "alice", map[string]string{"connectionId": connID, "content": " "}); code != http.StatusBadRequest {
		t.Fatalf("empty send = %d", code)
	}
	if code, _ := ts.do(http.MethodPost, "/api/messages", "alice", map[string]string{"connectionId": "nope", "content": "x"}); code != http.StatusNotFound {
		t.Fatalf("unknown connection = %d", code)
	}

	code, env = ts.do(http.MethodGet, "/api/messages/unread/count", "bob", nil)
	var unread struct {
		UnreadCount int64 `json:"unreadCount"`
	}
	decode(t, env.Data, &unread)
	if unread.UnreadCount != 3 {
		t.Fatalf("unread = %d", unread.UnreadCount)
	}

	code, env = ts.do(http.MethodGet, "/api/messages/"+connID+"?limit=2", "bob", nil)
	var page struct {
		Messages   []models.Message `json:"messages"`
		Pagination struct {
			Page, Limit, Pages int
			Total              int64
		} `json:"pagination"`
	}
	decode(t, env.Data, &page)
	if code != http.StatusOK || len(page.Messages) != 2 || page.Pagination.Total != 3 || page.Pagination.Pages != 2 {
		t.Fatalf("list = %d %+v", code, page)
	}
	for _, m := range page.Messages {
		if !m.IsDelivered {
			t.Fatalf("listing did not mark delivered: %+v", m)
		}
	}
	var oldest models.Message
	if err := ts.db.First(&oldest, ids[0]).Error; err != nil {
		t.Fatalf("load oldest: %v", err)
	}
	if oldest.IsDelivered {
		t.Fatalf("message outside the page was marked delivered")
	}
	var newest models.Message
	if err := ts.db.First(&newest, ids[2]).Error; err != nil {
		t.Fatalf("load newest: %v", err)
	}
	if !newest.IsDelivered {
		t.Fatalf("delivery not persisted")
	}

	code, env = ts.do(http.MethodPut, "/api/messages/read", "bob", map[string][]uint{"messageIds": ids})
	var read struct {
		UpdatedCount int `json:"updatedCount"`
	}
	decode(t, env.Data, &read)
	if code != http.StatusOK || read.UpdatedCount != 3 {
		t.Fatalf("read = %d %d", code, read.UpdatedCount)
	}
	_, env = ts.do(http.MethodPut, "/api/messages/read", "bob", map[string][]uint{"messageIds": ids})
	decode(t, env.Data, &read)
	if read.UpdatedCount != 0 {
		t.Fatalf("second read updated %d", read.UpdatedCount)
	}
	if code, _ := ts.do(http.MethodPut, "/api/messages/read", "bob", map[string][]uint{"messageIds": {}}); code != http.StatusBadRequest {
		t.Fatalf("empty ids = %d", code)
	}

	code, env = ts.do(http.MethodGet, "/api/messages/search/"+connID+"?query=HELLO%202", "alice", nil)
	decode(t, env.Data, &page)
	if code != http.StatusOK || len(page.Messages) != 1 || page.Messages[0].Content != "Hello 2" {
		t.Fatalf("search = %d %+v", code, page.Messages)
	}
	if code, _ := ts.do(http.MethodGet, "/api/messages/search/"+connID, "alice", nil); code != http.StatusBadRequest {
		t.Fatalf("search without query = %d", code)
	}
	if code, _ := ts.do(http.MethodGet, "/api/messages/"+connID, "carol", nil); code != http.StatusForbidden {
		t.Fatalf("outsider list = %d", code)
	}

	code, env = ts.do(http.MethodGet, "/api/messages/typing/"+connID, "alice", nil)
	var typing struct {
		Typing []string `json:"typing"`
	}
	decode(t, env.Data, &typing)
	if code != http.StatusOK || typing.Typing == nil || len(typing.Typing) != 0 {
		t.Fatalf("typing = %d %+v", code, typing)
	}
}

func multipartUpload(t *testing.T, connID, filename, contentType string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("connectionId", connID)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("part: %v", err)
	}
	part.Write(content)
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/messages/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// Scenario D over HTTP.
func TestUploadImage(t *testing.T) {
	ts := newTestServer(t)
	connID := ts.createConnection("alice", "bob", true)

	code, env := ts.serve(multipartUpload(t, connID, "pic.png", "image/png", []byte("\x89PNG fake")), "alice")
	if code != http.StatusCreated {
		t.Fatalf("upload = %d %+v", code, env.Error)
	}
	var msg models.Message
	decode(t, env.Data, &msg)
	if msg.MessageType != models.MessageImage || msg.Attachment == nil || msg.Attachment.Thumbnail == "" {
		t.Fatalf("message = %+v", msg)
	}

	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, msg.Attachment.URL, nil))
	if w.Code != http.StatusOK || w.Body.String() != "\x89PNG fake" {
		t.Fatalf("stored file = %d %q", w.Code, w.Body.String())
	}

	code, env = ts.serve(multipartUpload(t, connID, "big.bin", "application/octet-stream", bytes.Repeat([]byte("x"), 2<<10)), "alice")
	if code != http.StatusBadRequest || env.Error.Reason != "file_too_large" {
		t.Fatalf("oversized = %d %+v", code, env.Error)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	ts := newTestServer(t)
	connID := ts.createConnection("alice", "bob", true)
	for i := 0; i < 2; i++ {
		ts.do(http.MethodPost, "/api/messages", "alice", map[string]string{"connectionId": connID, "content": "ping"})
	}

	_, env := ts.do(http.MethodGet, "/api/notifications?unreadOnly=true", "bob", nil)
	var feed struct {
		Notifications []models.Notification `json:"notifications"`
	}
	decode(t, env.Data, &feed)
	// two messages plus the connection request
	if len(feed.Notifications) != 3 || feed.Notifications[0].Type != models.NotificationMessage {
		t.Fatalf("bob feed = %+v", feed.Notifications)
	}
	first := feed.Notifications[0].ID

	if code, _ := ts.do(http.MethodPut, fmt.Sprintf("/api/notifications/%d/read", first), "alice", nil); code != http.StatusOK {
		t.Fatalf("foreign mark read = %d", code)
	}
	if code, _ := ts.do(http.MethodPut, "/api/notifications/abc/read", "bob", nil); code != http.StatusBadRequest {
		t.Fatalf("bad id = %d", code)
	}
	ts.do(http.MethodPut, fmt.Sprintf("/api/notifications/%d/read", first), "bob", nil)

	_, env = ts.do(http.MethodGet, "/api/notifications/unread/count", "bob", nil)
	var count struct {
		UnreadCount int64 `json:"unreadCount"`
	}
	decode(t, env.Data, &count)
	if count.UnreadCount != 2 {
		t.Fatalf("unread = %d", count.UnreadCount)
	}

	ts.do(http.MethodPut, "/api/notifications/read/all", "bob", nil)
	_, env = ts.do(http.MethodGet, "/api/notifications/unread/count", "bob", nil)
	decode(t, env.Data, &count)
	if count.UnreadCount != 0 {
		t.Fatalf("unread after all = %d", count.UnreadCount)
	}

	if code, _ := ts.do(http.MethodDelete, fmt.Sprintf("/api/notifications/%d", first), "bob", nil); code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	_, env = ts.do(http.MethodGet, "/api/notifications", "bob", nil)
	decode(t, env.Data, &feed)
	if len(feed.Notifications) != 2 {
		t.Fatalf("after delete = %d", len(feed.Notifications))
	}
}

func TestReminderTrigger(t *testing.T) {
	ts := newTestServer(t)
	connID := ts.createConnection("alice", "bob", true)
	payload := map[string]string{"connectionId": connID, "title": "Flight tomorrow", "body": "Be at the gate by 8"}

	req := func(secret string) (int, envelope) {
		var buf bytes.Buffer
		json.NewEncoder(&buf).Encode(payload)
		r := httptest.NewRequest(http.MethodPost, "/internal/reminders", &buf)
		r.Header.Set("X-Reminder-Secret", secret)
		return ts.serve(r, "")
	}
	if code, _ := req("wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong secret = %d", code)
	}
	code, env := req("tick")
	if code != http.StatusOK {
		t.Fatalf("reminder = %d %+v", code, env.Error)
	}

	_, env = ts.do(http.MethodGet, "/api/messages/"+connID, "bob", nil)
	var page struct {
		Messages []models.Message `json:"messages"`
	}
	decode(t, env.Data, &page)
	if len(page.Messages) != 1 || page.Messages[0].MessageType != models.MessageReminder {
		t.Fatalf("history = %+v", page.Messages)
	}

	payload["connectionId"] = "missing"
	if code, _ := req("tick"); code != http.StatusNotFound {
		t.Fatalf("missing connection = %d", code)
	}
}
