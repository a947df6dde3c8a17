package core

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"chatrelay/internal/protocol"
)

// LimitsUpdate changes any subset of the numeric limits; nil fields are left
// unchanged.
type LimitsUpdate struct {
	MaxUsers         *int `json:"maxUsers,omitempty"`
	MaxMessageLength *int `json:"maxMessageLength,omitempty"`
	HistoryCount     *int `json:"historyCount,omitempty"`
}

// Limits is the numeric part of the config record.
type Limits struct {
	MaxUsers         int `json:"maxUsers"`
	MaxMessageLength int `json:"maxMessageLength"`
	HistoryCount     int `json:"historyCount"`
}

// Info is the admin status document.
type Info struct {
	BanWords    []string `json:"banWords"`
	OnlineUsers int      `json:"onlineUsers"`
	Config      Limits   `json:"config"`
}

// BanIP adds ip to the ban list and evicts live sessions from it.
func (r *Relay) BanIP(ctx context.Context, adminPassword, ip string) error {
	ip = strings.TrimSpace(ip)
	return r.admin(ctx, "ban", adminPassword, ip, func() error {
		if ip == "" {
			return reject(ErrValidation, "missing ip")
		}
		if _, ok := r.bans[ip]; !ok {
			r.bans[ip] = struct{}{}
			r.cfg.BannedIPs = append(r.cfg.BannedIPs, ip)
		}
		r.evictAddrLocked(ip)
		return nil
	})
}

// UnbanIP removes ip from the ban list.
func (r *Relay) UnbanIP(ctx context.Context, adminPassword, ip string) error {
	ip = strings.TrimSpace(ip)
	return r.admin(ctx, "unban", adminPassword, ip, func() error {
		if ip == "" {
			return reject(ErrValidation, "missing ip")
		}
		delete(r.bans, ip)
		r.cfg.BannedIPs = slices.DeleteFunc(r.cfg.BannedIPs, func(v string) bool { return v == ip })
		return nil
	})
}

// SetUserPassword gates username behind password. An empty password clears it.
func (r *Relay) SetUserPassword(ctx context.Context, adminPassword, username, password string) error {
	return r.admin(ctx, "set_user_password", adminPassword, username, func() error {
		if username == "" {
			return reject(ErrValidation, "missing username")
		}
		if password == "" {
			delete(r.cfg.UserPasswords, username)
			return nil
		}
		r.cfg.UserPasswords[username] = password
		return nil
	})
}

// AddBanWord adds word to the banned-word list.
func (r *Relay) AddBanWord(ctx context.Context, adminPassword, word string) error {
	return r.admin(ctx, "ban_word_add", adminPassword, word, func() error {
		if word == "" {
			return reject(ErrValidation, "missing word")
		}
		if !slices.Contains(r.cfg.BanWords, word) {
			r.cfg.BanWords = append(r.cfg.BanWords, word)
		}
		return nil
	})
}

// RemoveBanWord removes word from the banned-word list.
func (r *Relay) RemoveBanWord(ctx context.Context, adminPassword, word string) error {
	return r.admin(ctx, "ban_word_remove", adminPassword, word, func() error {
		if word == "" {
			return reject(ErrValidation, "missing word")
		}
		r.cfg.BanWords = slices.DeleteFunc(r.cfg.BanWords, func(v string) bool { return v == word })
		return nil
	})
}

// UpdateLimits applies the given limits. Lowering historyCount truncates
// the buffer right away.
func (r *Relay) UpdateLimits(ctx context.Context, adminPassword string, u LimitsUpdate) error {
	return r.admin(ctx, "update_config", adminPassword, u.String(), func() error {
		if u.HistoryCount != nil && *u.HistoryCount < 0 {
			return reject(ErrValidation, "historyCount must not be negative")
		}
		if u.MaxUsers != nil {
			r.cfg.MaxUsers = *u.MaxUsers
		}
		if u.MaxMessageLength != nil {
			r.cfg.MaxMessageLength = *u.MaxMessageLength
		}
		if u.HistoryCount != nil {
			r.cfg.HistoryCount = *u.HistoryCount
			if r.history.Truncate(r.cfg.HistoryCount) {
				r.persistHistoryLocked(ctx)
			}
		}
		return nil
	})
}

// ChangeAdminPassword replaces the admin password.
func (r *Relay) ChangeAdminPassword(ctx context.Context, adminPassword, newPassword string) error {
	return r.admin(ctx, "change_admin_password", adminPassword, "", func() error {
		if newPassword == "" {
			return reject(ErrValidation, "missing newAdminPassword")
		}
		r.cfg.AdminPassword = newPassword
		return nil
	})
}

// Info reports the live banned-word list, session count and limits.
func (r *Relay) Info(adminPassword string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.authorizeLocked(adminPassword); err != nil {
		r.metrics.AdminOp("info", "unauthorized")
		return Info{}, err
	}
	r.metrics.AdminOp("info", "ok")
	return Info{
		BanWords:    append([]string{}, r.cfg.BanWords...),
		OnlineUsers: len(r.sessions),
		Config: Limits{
			MaxUsers:         r.cfg.MaxUsers,
			MaxMessageLength: r.cfg.MaxMessageLength,
			HistoryCount:     r.cfg.HistoryCount,
		},
	}, nil
}

// admin runs one authorized mutation: check the password once, apply, then
// persist and audit.
func (r *Relay) admin(ctx context.Context, op, adminPassword, target string, mutate func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.authorizeLocked(adminPassword); err != nil {
		r.metrics.AdminOp(op, "unauthorized")
		slog.Warn("admin operation unauthorized", "op", op)
		return err
	}
	if err := mutate(); err != nil {
		r.metrics.AdminOp(op, "invalid")
		return err
	}
	r.persistConfigLocked(ctx)
	if r.auditor != nil {
		if err := r.auditor.InsertAudit(ctx, op, target); err != nil {
			slog.Error("audit insert failed", "op", op, "err", err)
		}
	}
	r.metrics.AdminOp(op, "ok")
	slog.Info("admin operation", "op", op, "target", target)
	return nil
}

func (r *Relay) authorizeLocked(password string) error {
	if subtle.ConstantTimeCompare([]byte(password), []byte(r.cfg.AdminPassword)) != 1 {
		return reject(ErrAuthorization, "invalid admin password")
	}
	return nil
}

// evictAddrLocked drops every session connected from addr.
func (r *Relay) evictAddrLocked(addr string) {
	var evicted []string
	for _, id := range r.order {
		if r.sessions[id].RemoteAddr == addr {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		s := r.sessions[id]
		r.deliverLocked(s, protocol.Message{Type: protocol.TypeError, Error: "you are banned"})
		r.removeLocked(id)
		slog.Info("session evicted", "conn_id", id, "username", s.Username, "remote", addr)
		r.announceLeaveLocked(s.Username)
	}
}

func (u LimitsUpdate) String() string {
	var parts []string
	add := func(name string, v *int) {
		if v != nil {
			parts = append(parts, name+"="+strconv.Itoa(*v))
		}
	}
	add("maxUsers", u.MaxUsers)
	add("maxMessageLength", u.MaxMessageLength)
	add("historyCount", u.HistoryCount)
	return strings.Join(parts, ",")
}
