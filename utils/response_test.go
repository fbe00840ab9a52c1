package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"companion-chat/services"

	"github.com/gin-gonic/gin"
)

func TestRespondErrorStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		err    error
		status int
		reason string
	}{
		{services.ErrConnectionNotFound, http.StatusNotFound, "connection_not_found"},
		{services.ErrNotParty, http.StatusForbidden, "not_a_party"},
		{services.ErrRequiresPro, http.StatusForbidden, "requiresPro"},
		{services.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
		{&services.Error{Kind: services.KindValidation, Reason: "empty_message"}, http.StatusBadRequest, "empty_message"},
		{&services.Error{Kind: services.KindDependency, Reason: "upload_failed", Err: errors.New("boom")}, http.StatusBadGateway, "upload_failed"},
		{&services.Error{Kind: services.KindDependency, Reason: "upload_timeout", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, "upload_timeout"},
		{fmt.Errorf("wrapped: %w", services.ErrNotParty), http.StatusForbidden, "not_a_party"},
		{errors.New("db on fire"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		RespondError(c, tt.err)

		var body struct {
			Code  int `json:"code"`
			Error struct {
				Reason string `json:"reason"`
			} `json:"error"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if w.Code != tt.status || body.Code != tt.status || body.Error.Reason != tt.reason {
			t.Errorf("%v: got %d/%s, want %d/%s", tt.err, w.Code, body.Error.Reason, tt.status, tt.reason)
		}
	}
}

func TestRespondSuccessOmitsEmptyMeta(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	RespondSuccess(c, gin.H{"ok": true}, nil)

	var body map[string]json.RawMessage
	json.Unmarshal(w.Body.Bytes(), &body)
	if _, ok := body["meta"]; ok {
		t.Errorf("meta present: %s", w.Body.String())
	}
	if string(body["code"]) != "200" {
		t.Errorf("code = %s", body["code"])
	}
}
