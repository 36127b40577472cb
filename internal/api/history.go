package api

import (
	"bytes"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/llm"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/memory"
)

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.Conversations(r.Context())
	if err != nil {
		s.logger.Error("conversation list failed", "error", err)
		s.errorResponse(w, turnErrorStatus(err), "failed to list conversations")
		return
	}
	if summaries == nil {
		summaries = []memory.Summary{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": summaries,
		"count":         len(summaries),
	}, s.logger)
}

// conversation loads the {id} conversation, writing an error response
// and returning nil when it cannot.
func (s *Server) conversation(w http.ResponseWriter, r *http.Request) *memory.Conversation {
	id := r.PathValue("id")
	conv, err := s.store.Conversation(r.Context(), id)
	if err != nil {
		s.logger.Error("conversation get failed", "conversation", id, "error", err)
		s.errorResponse(w, turnErrorStatus(err), "failed to load conversation")
		return nil
	}
	if conv == nil {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return nil
	}
	return conv
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	conv := s.conversation(w, r)
	if conv == nil {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, conv, s.logger)
}

// handleConversationExport downloads a transcript as markdown (the
// default), HTML rendered from that markdown, or JSON.
func (s *Server) handleConversationExport(w http.ResponseWriter, r *http.Request) {
	conv := s.conversation(w, r)
	if conv == nil {
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "markdown"
	}
	base := "conversation-" + shortID(conv.ID)

	switch format {
	case "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		attachment(w, base+".md")
		fmt.Fprint(w, TranscriptMarkdown(conv))

	case "html":
		page, err := TranscriptHTML(conv)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "render: "+err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		attachment(w, base+".html")
		w.Write(page)

	case "json":
		w.Header().Set("Content-Type", "application/json")
		attachment(w, base+".json")
		writeJSON(w, conv, s.logger)

	default:
		s.errorResponse(w, http.StatusBadRequest, "unsupported format: "+format+" (use markdown, html or json)")
	}
}

// TranscriptMarkdown renders the user-visible part of a conversation.
// The directive and tool plumbing are left out; tool results appear as
// quoted blocks under the assistant turn that requested them.
func TranscriptMarkdown(conv *memory.Conversation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Conversation %s\n\n", conv.ID)
	fmt.Fprintf(&b, "_Started %s, %d messages._\n\n", conv.CreatedAt.Format(time.RFC1123), len(conv.Messages))

	for _, m := range conv.Messages {
		switch m.Role {
		case llm.RoleUser:
			fmt.Fprintf(&b, "## You (%s)\n\n%s\n\n", m.Timestamp.Format("15:04"), m.Content)
		case llm.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				names := make([]string, len(m.ToolCalls))
				for i, tc := range m.ToolCalls {
					names[i] = "`" + tc.Function.Name + "`"
				}
				fmt.Fprintf(&b, "_Using %s_\n\n", strings.Join(names, ", "))
				if strings.TrimSpace(m.Content) != "" {
					fmt.Fprintf(&b, "%s\n\n", m.Content)
				}
				continue
			}
			fmt.Fprintf(&b, "## Gestella (%s)\n\n%s\n\n", m.Timestamp.Format("15:04"), m.Content)
		case llm.RoleTool:
			for _, line := range strings.Split(strings.TrimRight(m.Content, "\n"), "\n") {
				fmt.Fprintf(&b, "> %s\n", line)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// TranscriptHTML renders [TranscriptMarkdown] as a standalone page.
func TranscriptHTML(conv *memory.Conversation) ([]byte, error) {
	var body bytes.Buffer
	if err := goldmark.Convert([]byte(TranscriptMarkdown(conv)), &body); err != nil {
		return nil, fmt.Errorf("convert markdown: %w", err)
	}

	var page bytes.Buffer
	fmt.Fprintf(&page, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>Conversation %s</title></head>\n<body>\n",
		html.EscapeString(conv.ID))
	page.Write(body.Bytes())
	page.WriteString("</body></html>\n")
	return page.Bytes(), nil
}

func (s *Server) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	if s.toolCalls == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "tool call audit not configured")
		return
	}

	convID := r.URL.Query().Get("conversation_id")
	limit := parseIntParam(r, "limit", 50)

	calls, err := s.toolCalls.ToolCalls(r.Context(), convID, limit)
	if err != nil {
		s.logger.Error("tool call query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list tool calls")
		return
	}
	if calls == nil {
		calls = []memory.ToolCall{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"calls": calls,
		"count": len(calls),
	}, s.logger)
}
