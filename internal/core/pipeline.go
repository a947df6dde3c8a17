package core

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"chatrelay/internal/protocol"
)

// TimeLayout formats the human readable send time of a record.
const TimeLayout = "15:04:05"

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_]{1,16})`)

// Send runs one inbound message through validation, mention routing,
// history and broadcast. Messages from connections without a session are
// dropped silently and return nil.
func (r *Relay) Send(ctx context.Context, connID, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.findLocked(connID)
	if !ok {
		slog.Debug("message from unauthenticated connection dropped", "conn_id", connID)
		return nil
	}

	if n := utf8.RuneCountInString(content); n > r.cfg.MaxMessageLength {
		r.metrics.Message("too_long")
		return reject(ErrValidation, fmt.Sprintf("message is too long, max %d characters", r.cfg.MaxMessageLength))
	}
	if word, found := r.bannedWordLocked(content); found {
		r.metrics.Message("banned_word")
		slog.Info("message rejected", "username", s.Username, "reason", "banned word", "word", word)
		return reject(ErrValidation, "message contains a banned word")
	}

	if mentions := ExtractMentions(content); len(mentions) > 0 {
		targets := r.resolveMentionsLocked(mentions)
		if len(targets) == 0 {
			r.metrics.Message("unknown_mention")
			return reject(ErrConflict, "mentioned user does not exist")
		}
		for _, target := range targets {
			if target == s {
				continue
			}
			r.deliverLocked(target, protocol.Message{Type: protocol.TypeAt, From: s.Username, Message: content})
			r.metrics.Mention()
		}
	}

	rec := protocol.Record{
		Username: s.Username,
		Content:  content,
		Time:     r.now().Format(TimeLayout),
	}
	r.history.Append(rec, r.cfg.HistoryCount)
	r.persistHistoryLocked(ctx)
	r.broadcastLocked(protocol.Message{Type: protocol.TypeMessage, Record: &rec})
	r.metrics.Message("accepted")
	return nil
}

// ExtractMentions returns the @name tokens in content, in order of
// appearance and without duplicates.
func ExtractMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, dup := seen[m[1]]; dup {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	return out
}

func (r *Relay) resolveMentionsLocked(names []string) []*session {
	var out []*session
	for _, name := range names {
		if id, ok := r.findByUsernameLocked(name); ok {
			out = append(out, r.sessions[id])
		}
	}
	return out
}

// bannedWordLocked matches case-insensitively. Empty entries never match.
func (r *Relay) bannedWordLocked(content string) (string, bool) {
	lower := strings.ToLower(content)
	for _, word := range r.cfg.BanWords {
		if word == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(word)) {
			return word, true
		}
	}
	return "", false
}
