package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jadenj13/toolpatch/internals/conversation"
	"github.com/jadenj13/toolpatch/internals/relay"
	"github.com/jadenj13/toolpatch/internals/report"
)

const (
	signatureHeader = "x-toolpatch-signature-256"
	maxBodyBytes    = 10 << 20
)

type Server struct {
	norm     *conversation.Normalizer
	relay    *relay.Relay // nil when no provider is configured
	reporter report.Reporter
	secret   string
	log      *slog.Logger
}

type Option func(*Server)

// WithRelay enables POST /v1/send.
func WithRelay(r *relay.Relay) Option {
	return func(s *Server) { s.relay = r }
}

func WithReporter(r report.Reporter) Option {
	return func(s *Server) { s.reporter = r }
}

// WithSecret turns on HMAC-SHA256 request signing.
func WithSecret(secret string) Option {
	return func(s *Server) { s.secret = secret }
}

func New(log *slog.Logger, opts ...Option) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		norm: conversation.NewNormalizer(conversation.WithLogger(log)),
		log:  log,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/normalize", s.handleNormalize)
	mux.HandleFunc("POST /v1/send", s.handleSend)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type normalizeRequest struct {
	Messages    json.RawMessage       `json:"messages"`
	RequiredIDs []string              `json:"requiredIds"`
	Results     []conversation.Result `json:"results"`
}

type normalizeResponse struct {
	OK       bool                       `json:"ok"`
	Missing  []string                   `json:"missing"`
	Messages *conversation.Conversation `json:"messages"`
}

type sendResponse struct {
	OK      bool     `json:"ok"`
	Missing []string `json:"missing"`
	Repairs int      `json:"repairs"`
	Text    string   `json:"text"`
}

func (s *Server) handleNormalize(w http.ResponseWriter, r *http.Request) {
	req, conv, ok := s.decode(w, r)
	if !ok {
		return
	}

	rep, err := s.norm.Normalize(conv, req.RequiredIDs, conversation.IndexResults(req.Results))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !rep.OK && s.reporter != nil {
		inc := report.Incident{
			At:      time.Now(),
			Source:  "normalize",
			Missing: rep.Missing,
			Blocks:  len(conv.Assistant().Blocks),
		}
		if err := s.reporter.Report(r.Context(), inc); err != nil {
			s.log.Warn("failed to report missing tool results", "err", err)
		}
	}

	writeJSON(w, http.StatusOK, normalizeResponse{
		OK:       rep.OK,
		Missing:  rep.Missing,
		Messages: rep.Conversation,
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		http.Error(w, "no provider configured", http.StatusNotImplemented)
		return
	}
	req, conv, ok := s.decode(w, r)
	if !ok {
		return
	}

	reply, err := s.relay.Send(r.Context(), conv, req.RequiredIDs, conversation.IndexResults(req.Results))
	if err != nil {
		if errors.Is(err, conversation.ErrInvalidShape) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.log.Error("send failed", "err", err)
		http.Error(w, "provider error: "+err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{
		OK:      reply.Report.OK,
		Missing: reply.Report.Missing,
		Repairs: reply.Repairs,
		Text:    reply.Text,
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (normalizeRequest, *conversation.Conversation, bool) {
	body, err := s.readAndVerify(r)
	if err != nil {
		s.log.Warn("request verify failed", "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return normalizeRequest{}, nil, false
	}

	var req normalizeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return normalizeRequest{}, nil, false
	}
	conv, err := conversation.Decode(req.Messages)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return normalizeRequest{}, nil, false
	}
	return req, conv, true
}

func (s *Server) readAndVerify(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if s.secret == "" {
		return body, nil // verification disabled
	}
	if !verifyHMAC(body, s.secret, r.Header.Get(signatureHeader)) {
		return nil, fmt.Errorf("signature mismatch")
	}
	return body, nil
}

func verifyHMAC(body []byte, secret, sig string) bool {
	sig = strings.TrimPrefix(sig, "sha256=")
	return hmac.Equal([]byte(Sign(body, secret)), []byte(sig))
}

// Sign returns the hex HMAC-SHA256 of body, the value clients put after
// "sha256=" in the signature header.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
