package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/roboclub/oprec/backend/internal/auth"
	"github.com/roboclub/oprec/backend/internal/registration"
)

const (
	sessionSigningSecret = "test-signing-secret"
	sessionCookieName    = "oprec_session"
	sessionIssuer        = "oprec-api"
	jsonContentType      = "application/json"
)

func mustMintSessionToken(t *testing.T, userID string, now time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		DisplayName: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(sessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

type cookieClient struct {
	t      *testing.T
	server *httptest.Server
	cookie *http.Cookie
}

func (c cookieClient) call(method, path string, body any, target any) int {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, c.server.URL+path, reader)
	if err != nil {
		c.t.Fatalf("failed to construct request: %v", err)
	}
	request.AddCookie(c.cookie)
	if body != nil {
		request.Header.Set("Content-Type", jsonContentType)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		c.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if target != nil && response.StatusCode < http.StatusBadRequest {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			c.t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return response.StatusCode
}

func TestCookieSessionCarriesRegistrationToVerified(t *testing.T) {
	testServer := newTestServer(t)
	server := httptest.NewServer(testServer.handler)
	t.Cleanup(server.Close)

	now := time.Now()
	candidate := cookieClient{t: t, server: server, cookie: &http.Cookie{Name: sessionCookieName, Value: mustMintSessionToken(t, testCandidateID, now)}}
	admin := cookieClient{t: t, server: server, cookie: &http.Cookie{Name: sessionCookieName, Value: mustMintSessionToken(t, testAdminID, now)}}

	var current registration.Registration
	if status := candidate.call(http.MethodPost, "/registration", nil, &current); status != http.StatusOK {
		t.Fatalf("unexpected initialize status: %d", status)
	}
	if status := candidate.call(http.MethodPut, "/registration/step1", step1Payload(), &current); status != http.StatusOK {
		t.Fatalf("unexpected step1 status: %d", status)
	}
	if current.Status != registration.StatusFormSubmitted {
		t.Fatalf("expected form_submitted, got %s", current.Status)
	}

	// Candidates cannot reach admin routes with a cookie session either.
	if status := candidate.call(http.MethodPost, "/admin/registrations/"+testCandidateID+"/verify", nil, nil); status != http.StatusForbidden {
		t.Fatalf("expected forbidden for candidate, got %d", status)
	}

	if status := admin.call(http.MethodPost, "/admin/registrations/"+testCandidateID+"/steps/1", map[string]any{"approve": true}, &current); status != http.StatusOK {
		t.Fatalf("unexpected step 1 verification status: %d", status)
	}

	documents := registration.DocumentUploads{
		PhotoURL:            "http://files.test/files/registrations/candidate-1/photo.png",
		KTMURL:              "http://files.test/files/registrations/candidate-1/ktm.png",
		IGRobotikFollowURL:  "http://files.test/files/registrations/candidate-1/ig_robotik.png",
		IGMRCFollowURL:      "http://files.test/files/registrations/candidate-1/ig_mrc.png",
		YoutubeSubscribeURL: "http://files.test/files/registrations/candidate-1/youtube.png",
	}
	if status := candidate.call(http.MethodPut, "/registration/step2", documents, &current); status != http.StatusOK {
		t.Fatalf("unexpected step2 status: %d", status)
	}
	if current.Status != registration.StatusDocumentsUploaded || !current.Documents.AllUploaded {
		t.Fatalf("expected documents_uploaded with every file, got %s", current.Status)
	}

	// Step 2 rejection rolls back to form_verified and keeps the uploads.
	rejection := map[string]any{"approve": false, "rejectionReason": "KTM photo is blurry"}
	if status := admin.call(http.MethodPost, "/admin/registrations/"+testCandidateID+"/steps/2", rejection, &current); status != http.StatusOK {
		t.Fatalf("unexpected step 2 rejection status: %d", status)
	}
	if current.Status != registration.StatusFormVerified || current.Documents.PhotoURL == "" || !current.CanEdit {
		t.Fatalf("unexpected state after rejection: %+v", current)
	}
	if current.StepVerifications.Step2Documents.RejectionReason != "KTM photo is blurry" {
		t.Fatalf("rejection reason not stored: %+v", current.StepVerifications.Step2Documents)
	}

	if status := candidate.call(http.MethodPut, "/registration/step2", registration.DocumentUploads{KTMURL: documents.KTMURL}, &current); status != http.StatusOK {
		t.Fatalf("unexpected step2 resubmission status: %d", status)
	}
	if status := admin.call(http.MethodPost, "/admin/registrations/"+testCandidateID+"/steps/2", map[string]any{"approve": true}, &current); status != http.StatusOK {
		t.Fatalf("unexpected step 2 verification status: %d", status)
	}

	payment := registration.PaymentDetails{Method: registration.PaymentCash, ProofURL: "http://files.test/files/registrations/candidate-1/receipt.png"}
	if status := candidate.call(http.MethodPut, "/registration/step3", payment, &current); status != http.StatusOK {
		t.Fatalf("unexpected step3 status: %d", status)
	}
	if current.Status != registration.StatusPaymentPending {
		t.Fatalf("expected payment_pending, got %s", current.Status)
	}

	if status := admin.call(http.MethodPost, "/admin/registrations/"+testCandidateID+"/verify", nil, &current); status != http.StatusOK {
		t.Fatalf("unexpected verify status: %d", status)
	}
	if current.Status != registration.StatusVerified || current.CanEdit {
		t.Fatalf("expected verified and locked, got %s canEdit=%t", current.Status, current.CanEdit)
	}

	var detail struct {
		Registration     registration.Registration `json:"registration"`
		AllStepsVerified bool                      `json:"allStepsVerified"`
	}
	if status := admin.call(http.MethodGet, "/admin/registrations/"+testCandidateID, nil, &detail); status != http.StatusOK {
		t.Fatalf("unexpected detail status: %d", status)
	}
	if !detail.AllStepsVerified || detail.Registration.RegistrationID != "CAANG-OR21-2025-001" {
		t.Fatalf("unexpected detail %+v", detail)
	}

	if status := candidate.call(http.MethodPut, "/registration/step1", step1Payload(), nil); status != http.StatusConflict {
		t.Fatalf("expected locked registration to refuse edits, got %d", status)
	}
}
