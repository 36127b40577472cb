package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/transcribe"
)

const (
	// DefaultMeetingPrefixChars is the transcript length past which a
	// voice message is analyzed as a meeting.
	DefaultMeetingPrefixChars = 500

	// MeetingPrefix is prepended to long voice transcripts.
	MeetingPrefix = "Analyze this meeting: "

	// documentChars is the answer length past which clients should
	// offer the answer as a document rather than a chat bubble.
	documentChars = 2000

	maxChatBody  = 1 << 20  // 1 MiB
	maxVoiceBody = 25 << 20 // Whisper upload limit
)

// Delivery formats.
const (
	FormatText     = "text"
	FormatDocument = "document"
)

// ChatRequest is the body of POST /v1/chat and a WebSocket frame.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatResponse is returned for every handled chat message.
type ChatResponse struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id"`
	// Format is "document" for reports long enough to send as a file.
	Format string `json:"format"`
	// AuthURL is set while the conversation waits for an authorization
	// code; clients can render it as a button or QR code.
	AuthURL    string `json:"auth_url,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// deliveryFormat picks how a client should present answer.
func deliveryFormat(answer string) string {
	if strings.Contains(answer, "# Executive Summary") || utf8.RuneCountInString(answer) > documentChars {
		return FormatDocument
	}
	return FormatText
}

// converse runs one inbound message through the auth gate and, when
// allowed, the agent loop.
func (s *Server) converse(ctx context.Context, conversationID, text string) (ChatResponse, error) {
	resp := ChatResponse{ConversationID: conversationID, Format: FormatText}

	if s.gate != nil {
		d, err := s.gate.Check(ctx, conversationID, text)
		if err != nil {
			return resp, fmt.Errorf("check authorization: %w", err)
		}
		if !d.Proceed {
			resp.Response = d.Reply
			resp.AuthURL = d.AuthURL
			return resp, nil
		}
	}

	answer, err := s.turns.HandleTurn(ctx, conversationID, text)
	if err != nil {
		return resp, err
	}
	resp.Response = answer
	resp.Format = deliveryFormat(answer)
	return resp, nil
}

// handleChat runs one turn.
// POST /v1/chat {"message": "what's on my calendar?"}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	resp, err := s.converse(r.Context(), convID, req.Message)
	if err != nil {
		s.logger.Error("chat failed", "conversation", convID, "error", err)
		s.errorResponse(w, turnErrorStatus(err), "agent error: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// ChatCompletionRequest is the subset of the OpenAI chat completion
// request that Gestella understands. Only the last user message is
// used; history lives in the conversation store.
type ChatCompletionRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	// User doubles as the conversation id.
	User string `json:"user,omitempty"`
}

// ChatCompletionResponse is the OpenAI-compatible response format.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// Choice represents a completion choice.
type Choice struct {
	Index   int `json:"index"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// handleChatCompletions lets OpenAI-compatible clients talk to the
// agent. The conversation id comes from the "user" field or the
// X-Conversation-ID header.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var text string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			text = req.Messages[i].Content
			break
		}
	}
	if strings.TrimSpace(text) == "" {
		s.errorResponse(w, http.StatusBadRequest, "a user message is required")
		return
	}

	convID := req.User
	if convID == "" {
		convID = r.Header.Get("X-Conversation-ID")
	}
	if convID == "" {
		convID = "default"
	}

	resp, err := s.converse(r.Context(), convID, text)
	if err != nil {
		s.logger.Error("chat completion failed", "conversation", convID, "error", err)
		s.errorResponse(w, turnErrorStatus(err), "agent error")
		return
	}

	choice := Choice{FinishReason: "stop"}
	choice.Message.Role = "assistant"
	choice.Message.Content = resp.Response

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   s.turns.Model(),
		Choices: []Choice{choice},
	}, s.logger)
}

// handleVoice transcribes an uploaded recording and runs it as a turn.
// POST /v1/voice multipart: audio=<file>, conversation_id=<id>
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if s.transcriber == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "transcription not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxVoiceBody)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	convID := r.FormValue("conversation_id")
	if convID == "" {
		convID = uuid.NewString()
	}

	transcript, err := s.transcriber.Transcribe(r.Context(), file, header.Filename)
	if err != nil {
		s.logger.Error("transcription failed", "conversation", convID, "file", header.Filename, "error", err)
		code := http.StatusBadGateway
		if errors.Is(err, transcribe.ErrEmptyAudio) {
			code = http.StatusBadRequest
		}
		s.errorResponse(w, code, "transcription failed: "+err.Error())
		return
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		s.errorResponse(w, http.StatusUnprocessableEntity, "no speech found in recording")
		return
	}

	text := transcript
	if utf8.RuneCountInString(transcript) > s.meetingPrefixChars {
		text = MeetingPrefix + transcript
	}
	s.logger.Info("voice message transcribed",
		"conversation", convID,
		"chars", len(transcript),
		"meeting", text != transcript,
	)

	resp, err := s.converse(r.Context(), convID, text)
	if err != nil {
		s.logger.Error("voice turn failed", "conversation", convID, "error", err)
		s.errorResponse(w, turnErrorStatus(err), "agent error: "+err.Error())
		return
	}
	resp.Transcript = transcript

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}
