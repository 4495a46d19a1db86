package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"checkpoint/internal/admin"
	"checkpoint/internal/auth"
	"checkpoint/internal/domain"
	"checkpoint/internal/importer"
	"checkpoint/internal/platform/metrics"
	"checkpoint/internal/progress"
	"checkpoint/internal/queue"
	"checkpoint/internal/redemption"
	"checkpoint/internal/store/memory"
)

// The transport suite runs against real in-memory components; only the wire
// is exercised through httptest.
type TransportSuite struct {
	suite.Suite
	ctx    context.Context
	store  *memory.Store
	rec    *queue.Recorder
	tokens *auth.TokenService
	server *httptest.Server
}

func TestTransportSuite(t *testing.T) {
	suite.Run(t, new(TransportSuite))
}

func (s *TransportSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.New()
	s.rec = queue.NewRecorder()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	tracker := progress.NewMemory()

	var err error
	s.tokens, err = auth.NewTokenService("test-signing-key", time.Hour)
	s.Require().NoError(err)

	handler := NewHandler(
		auth.NewAuthenticator(s.store.Agents(), s.tokens, logger),
		s.tokens,
		redemption.NewService(s.store, s.rec, m, logger),
		importer.New(s.store, s.rec, tracker, m, logger, 100),
		admin.NewService(s.store, s.rec, logger, 50),
		tracker,
		logger,
	)
	s.server = httptest.NewServer(NewRouter(handler, registry))
	s.T().Cleanup(s.server.Close)

	s.Require().NoError(s.store.Agents().Save(s.ctx, domain.Agent{
		User:    "desk-1",
		PinHash: s.hashPin("4321"),
		Roles:   []string{"staff", "admin"},
		Enabled: true,
	}))
	s.Require().NoError(s.store.Competitions().Save(s.ctx, domain.Competition{
		ID:         "comp-1",
		Name:       "Winter Open",
		Categories: []domain.Category{{ID: "cat-open", Name: "Open"}},
	}))
}

func (s *TransportSuite) hashPin(pin string) string {
	hash, err := auth.HashPin(pin)
	s.Require().NoError(err)
	return hash
}

func (s *TransportSuite) do(method, path, token string, body string) *http.Response {
	req, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	s.Require().NoError(err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.server.Client().Do(req)
	s.Require().NoError(err)
	return resp
}

func (s *TransportSuite) decode(resp *http.Response, v any) {
	defer resp.Body.Close()
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(v))
}

func (s *TransportSuite) agentToken() string {
	resp := s.do(http.MethodPost, "/api/agents/authenticate", "", `{"user":"desk-1","pin":"4321"}`)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var body map[string]string
	s.decode(resp, &body)
	s.Require().NotEmpty(body["token"])
	return body["token"]
}

func (s *TransportSuite) TestAuthenticateRejectsBadPin() {
	resp := s.do(http.MethodPost, "/api/agents/authenticate", "", `{"user":"desk-1","pin":"0000"}`)
	defer resp.Body.Close()
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *TransportSuite) TestRedeemRequiresToken() {
	resp := s.do(http.MethodPost, "/api/checkin/redeem", "", `{"codeId":"qr1"}`)
	defer resp.Body.Close()
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *TransportSuite) TestLobbyRedeemFlow() {
	s.Require().NoError(s.store.Codes().Upsert(s.ctx, domain.Code{
		ID:           "qr1",
		Type:         domain.CodeTypeRegistration,
		Status:       domain.CodeReady,
		Competition:  domain.CompetitionRef{ID: "comp-1", Name: "Winter Open"},
		RedeemableBy: []string{"ana@example.com"},
	}))
	token := s.agentToken()

	resp := s.do(http.MethodPost, "/api/checkin/redeem", token, `{"codeId":"qr1"}`)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var result redemption.Result
	s.decode(resp, &result)
	s.True(result.Success)

	// Second redeem settles without error.
	resp = s.do(http.MethodPost, "/api/checkin/redeem", token, `{"codeId":"qr1"}`)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.decode(resp, &result)
	s.False(result.Success)
	s.Equal("already redeemed", result.Message)
}

func (s *TransportSuite) TestSelfRedeemUsesOwnChannel() {
	s.Require().NoError(s.store.Codes().Upsert(s.ctx, domain.Code{
		ID:           "qr1",
		Type:         domain.CodeTypeRegistration,
		Status:       domain.CodeReady,
		Competition:  domain.CompetitionRef{ID: "comp-1"},
		RedeemableBy: []string{"ana@example.com"},
	}))

	selfToken, err := s.tokens.IssueSelfToken("ana@example.com")
	s.Require().NoError(err)
	resp := s.do(http.MethodPost, "/api/checkin/redeem", selfToken, `{"codeId":"qr1"}`)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var result redemption.Result
	s.decode(resp, &result)
	s.True(result.Success)

	code, err := s.store.Codes().Get(s.ctx, "qr1")
	s.Require().NoError(err)
	s.Equal(domain.ChannelSelf, code.Redeemed.How)
}

func (s *TransportSuite) TestRedeemUnknownCodeIs404() {
	resp := s.do(http.MethodPost, "/api/checkin/redeem", s.agentToken(), `{"codeId":"ghost"}`)
	defer resp.Body.Close()
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *TransportSuite) TestImportEndToEnd() {
	token := s.agentToken()
	csv := "heatName,heatDay,heatTime,dorsal,category,name,email,contact\n" +
		"Morning,2025-01-10,09:00,101,Open,Ana,ana@example.com,+351\n" +
		"Morning,2025-01-10,09:00,102,Open,Bruno,bruno@example.com,+351\n"

	resp := s.do(http.MethodPost, "/api/imports/comp-1/participants", token, csv)
	s.Require().Equal(http.StatusAccepted, resp.StatusCode)
	var summary importer.Summary
	s.decode(resp, &summary)
	s.Equal(2, summary.AcceptedRows)
	s.Equal(1, summary.Chunks)
	s.Len(s.rec.Messages(queue.TopicChunkReady), 1)

	resp = s.do(http.MethodGet, "/api/imports/comp-1/progress", token, "")
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var snap progress.Snapshot
	s.decode(resp, &snap)
	s.Equal(2, snap.TotalRecords)
	s.Equal(1, snap.TotalChunks)
}

func (s *TransportSuite) TestImportsRequireAdminRole() {
	staffOnly := domain.Agent{User: "desk-2", PinHash: s.hashPin("1111"), Roles: []string{"staff"}, Enabled: true}
	s.Require().NoError(s.store.Agents().Save(s.ctx, staffOnly))

	resp := s.do(http.MethodPost, "/api/agents/authenticate", "", `{"user":"desk-2","pin":"1111"}`)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var body map[string]string
	s.decode(resp, &body)

	resp = s.do(http.MethodPost, "/api/imports/comp-1/participants", body["token"], "")
	defer resp.Body.Close()
	s.Equal(http.StatusForbidden, resp.StatusCode)
}

func (s *TransportSuite) TestAdminCompetitionImport() {
	token := s.agentToken()
	resp := s.do(http.MethodPost, "/api/admin/competitions", token,
		`[{"id":"comp-2","name":"Spring Sprint","categories":[{"id":"c1","name":"Elite"}]}]`)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	_, err := s.store.Competitions().Get(s.ctx, "comp-2")
	s.NoError(err)
}

func (s *TransportSuite) TestSavedAgentCanAuthenticate() {
	token := s.agentToken()
	resp := s.do(http.MethodPost, "/api/admin/agents", token,
		`{"user":"desk-3","pin":"7777","roles":["staff"],"enabled":true}`)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = s.do(http.MethodPost, "/api/agents/authenticate", "", `{"user":"desk-3","pin":"7777"}`)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *TransportSuite) TestHealthAndMetrics() {
	resp := s.do(http.MethodGet, "/healthz", "", "")
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)

	resp = s.do(http.MethodGet, "/metrics", "", "")
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}
