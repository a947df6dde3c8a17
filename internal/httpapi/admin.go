package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"chatrelay/internal/core"

	"github.com/labstack/echo/v4"
)

// adminRequest is the union of every admin body field. Handlers read only
// the fields their operation uses.
type adminRequest struct {
	AdminPassword    string `json:"adminPassword"`
	IP               string `json:"ip"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	Word             string `json:"word"`
	NewAdminPassword string `json:"newAdminPassword"`
	MaxUsers         *int   `json:"maxUsers"`
	MaxMessageLength *int   `json:"maxMessageLength"`
	HistoryCount     *int   `json:"historyCount"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleBan(c echo.Context) error {
	return s.adminCall(c, func(req adminRequest) error {
		return s.relay.BanIP(c.Request().Context(), req.AdminPassword, req.IP)
	})
}

func (s *Server) handleUnban(c echo.Context) error {
	return s.adminCall(c, func(req adminRequest) error {
		return s.relay.UnbanIP(c.Request().Context(), req.AdminPassword, req.IP)
	})
}

func (s *Server) handleSetUserPassword(c echo.Context) error {
	return s.adminCall(c, func(req adminRequest) error {
		return s.relay.SetUserPassword(c.Request().Context(), req.AdminPassword, req.Username, req.Password)
	})
}

func (s *Server) handleAddBanWord(c echo.Context) error {
	return s.adminCall(c, func(req adminRequest) error {
		return s.relay.AddBanWord(c.Request().Context(), req.AdminPassword, req.Word)
	})
}

func (s *Server) handleRemoveBanWord(c echo.Context) error {
	return s.adminCall(c, func(req adminRequest) error {
		return s.relay.RemoveBanWord(c.Request().Context(), req.AdminPassword, req.Word)
	})
}

func (s *Server) handleUpdateConfig(c echo.Context) error {
	return s.adminCall(c, func(req adminRequest) error {
		return s.relay.UpdateLimits(c.Request().Context(), req.AdminPassword, core.LimitsUpdate{
			MaxUsers:         req.MaxUsers,
			MaxMessageLength: req.MaxMessageLength,
			HistoryCount:     req.HistoryCount,
		})
	})
}

func (s *Server) handleChangeAdminPassword(c echo.Context) error {
	return s.adminCall(c, func(req adminRequest) error {
		return s.relay.ChangeAdminPassword(c.Request().Context(), req.AdminPassword, req.NewAdminPassword)
	})
}

func (s *Server) handleInfo(c echo.Context) error {
	info, err := s.relay.Info(c.QueryParam("adminPassword"))
	if err != nil {
		return writeAdminError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) adminCall(c echo.Context, call func(adminRequest) error) error {
	var req adminRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	if err := call(req); err != nil {
		return writeAdminError(c, err)
	}
	return c.JSON(http.StatusOK, successResponse{Success: true})
}

func writeAdminError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrAuthorization):
		status = http.StatusForbidden
	case errors.Is(err, core.ErrValidation):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		slog.Error("admin request failed", "path", c.Path(), "err", err)
	}
	return c.JSON(status, errorResponse{Error: err.Error()})
}
