package core

import (
	"log/slog"
	"strings"

	"chatrelay/internal/protocol"
)

// MaxUsernameLength is the longest accepted display name.
const MaxUsernameLength = 16

// Login runs the admission sequence for one connection. The whole sequence
// holds the relay lock, so two logins racing for the same free name cannot
// both pass the uniqueness check.
func (r *Relay) Login(connID, remoteAddr string, req protocol.LoginRequest) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.findLocked(connID); ok {
		return Session{}, r.rejectLogin("duplicate", reject(ErrValidation, "already logged in"), connID, req.Username)
	}
	username, err := validateUsername(req.Username)
	if err != nil {
		return Session{}, r.rejectLogin("invalid", err, connID, req.Username)
	}
	if _, taken := r.findByUsernameLocked(username); taken {
		return Session{}, r.rejectLogin("taken", reject(ErrConflict, "username is already taken"), connID, username)
	}
	if _, banned := r.bans[remoteAddr]; banned {
		return Session{}, r.rejectLogin("banned", reject(ErrBanned, "you are banned"), connID, username)
	}
	if pw := r.cfg.UserPasswords[username]; pw != "" && pw != req.Password {
		return Session{}, r.rejectLogin("wrong_password", reject(ErrAuthorization, "wrong password"), connID, username)
	}
	if len(r.sessions) >= r.cfg.MaxUsers {
		return Session{}, r.rejectLogin("full", reject(ErrCapacity, "server is full"), connID, username)
	}

	send := make(chan protocol.Message, r.sendBuf)
	s := &session{
		Session: Session{
			ConnID:      connID,
			Username:    username,
			RemoteAddr:  remoteAddr,
			ConnectedAt: r.now(),
			Send:        send,
		},
		send: send,
	}
	r.addLocked(s)
	r.metrics.Login("ok")
	slog.Info("user joined", "conn_id", connID, "username", username, "remote", remoteAddr, "total_users", len(r.sessions))

	r.deliverLocked(s, protocol.Message{Type: protocol.TypeHistory, History: r.history.Last(r.cfg.HistoryCount)})
	r.announceJoinLocked(username)
	return s.Session, nil
}

func (r *Relay) rejectLogin(result string, err error, connID, username string) error {
	r.metrics.Login(result)
	slog.Info("login rejected", "conn_id", connID, "username", username, "reason", err.Error())
	return err
}

// validateUsername returns the trimmed name. The length limit applies to the
// name as sent, surrounding whitespace included.
func validateUsername(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", reject(ErrValidation, "username is required")
	}
	for i := 0; i < len(name); i++ {
		if name[i] >= 0x80 {
			return "", reject(ErrValidation, "username contains invalid characters")
		}
	}
	if len(raw) > MaxUsernameLength {
		return "", reject(ErrValidation, "username is too long")
	}
	return name, nil
}
