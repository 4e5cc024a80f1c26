package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/vrc-api-client/pkg/cache"
	"github.com/Sternrassler/vrc-api-client/pkg/client"
	"github.com/Sternrassler/vrc-api-client/pkg/metrics"
	"github.com/Sternrassler/vrc-api-client/pkg/session"
	"github.com/Sternrassler/vrc-api-client/pkg/vrc"
)

// Server exposes the cached API over HTTP.
type Server struct {
	echo    *echo.Echo
	api     *vrc.Client
	session *session.CookieSession
	logger  zerolog.Logger
}

// GenericStatus is the body of health and error responses.
type GenericStatus struct {
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

// NewServer registers all routes.
func NewServer(api *vrc.Client, sess *session.CookieSession, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{echo: e, api: api, session: sess, logger: logger}

	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(srv.requestLogger)
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/health", srv.HandleHealthCheck)
	e.GET("/ready", srv.HandleReady)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	v1 := e.Group("/v1")
	v1.GET("/users/:id", srv.GetUser)
	v1.GET("/worlds/:id", srv.GetWorld)
	v1.GET("/groups/:id", srv.GetGroup)
	v1.GET("/groups/:id/members", srv.GetMembers)
	v1.GET("/groups/:id/bans", srv.GetBans)
	v1.GET("/groups/:id/requests", srv.GetJoinRequests)
	v1.GET("/groups/:id/instances", srv.GetInstances)
	v1.GET("/me/groups", srv.GetMyGroups)

	v1.POST("/groups/:id/bans", srv.BanUser)
	v1.DELETE("/groups/:id/bans/:user", srv.UnbanUser)
	v1.DELETE("/groups/:id/members/:user", srv.KickUser)
	v1.PUT("/groups/:id/requests/:user", srv.HandleJoinRequest)

	v1.GET("/cache/stats", srv.CacheStats)
	v1.POST("/cache/clear", srv.ClearCache)
	v1.POST("/cache/groups/:id/invalidate", srv.InvalidateGroup)

	return srv
}

// ServeHTTP implements http.Handler.
func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (srv *Server) Shutdown(ctx context.Context) error {
	return srv.echo.Shutdown(ctx)
}

func (srv *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		srv.logger.Debug().
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Int("status", c.Response().Status).
			Dur("duration", time.Since(start)).
			Msg("Request served")
		return err
	}
}

// statusFor maps an executor error to the proxy's response status.
func statusFor(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	if errors.Is(err, client.ErrInvalidCall) {
		return http.StatusBadRequest
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}

	switch client.KindOf(err) {
	case client.KindUnauthorized:
		return http.StatusUnauthorized
	case client.KindClient:
		if code := client.StatusCode(err); code != 0 {
			return code
		}
		return http.StatusBadRequest
	case client.KindRateLimited:
		return http.StatusTooManyRequests
	case client.KindSuppressed:
		return http.StatusServiceUnavailable
	case client.KindTransient:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := statusFor(err)
	if code >= 500 {
		srv.logger.Warn().Err(err).Str("path", c.Path()).Int("status", code).Msg("Request failed")
	}

	var apiErr *client.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		secs := int(apiErr.RetryAfter.Round(time.Second) / time.Second)
		c.Response().Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}

	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if s, ok := he.Message.(string); ok {
			msg = s
		}
	}
	if err := c.JSON(code, GenericStatus{Status: "error", Message: msg}); err != nil {
		srv.logger.Debug().Err(err).Msg("Writing error response failed")
	}
}

// HandleHealthCheck reports liveness.
func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok"})
}

// HandleReady reports whether an authenticated session is configured.
func (srv *Server) HandleReady(c echo.Context) error {
	if srv.session != nil && !srv.session.LoggedIn() {
		return c.JSON(http.StatusServiceUnavailable, GenericStatus{Status: "not ready", Message: "no session"})
	}
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok"})
}

// readOptions turns ?force=true into a forced refresh and ?stale=true into
// serving a stale value when the refresh fails.
func readOptions(c echo.Context) []cache.Option {
	var opts []cache.Option
	if force, _ := strconv.ParseBool(c.QueryParam("force")); force {
		opts = append(opts, cache.ForceRefresh())
	}
	if stale, _ := strconv.ParseBool(c.QueryParam("stale")); stale {
		opts = append(opts, cache.ServeStaleOnError())
	}
	return opts
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be an integer")
	}
	return v, nil
}

func respond[T any](c echo.Context, v T, err error) error {
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

func (srv *Server) GetUser(c echo.Context) error {
	u, err := srv.api.GetUser(c.Request().Context(), c.Param("id"), readOptions(c)...)
	return respond(c, u, err)
}

func (srv *Server) GetWorld(c echo.Context) error {
	w, err := srv.api.GetWorld(c.Request().Context(), c.Param("id"), readOptions(c)...)
	return respond(c, w, err)
}

func (srv *Server) GetGroup(c echo.Context) error {
	g, err := srv.api.GetGroup(c.Request().Context(), c.Param("id"), readOptions(c)...)
	return respond(c, g, err)
}

// GetMembers serves one page (?n=&offset=) or, with ?all=true, every member.
func (srv *Server) GetMembers(c echo.Context) error {
	ctx := c.Request().Context()
	if all, _ := strconv.ParseBool(c.QueryParam("all")); all {
		members, err := srv.api.GetAllMembers(ctx, c.Param("id"), readOptions(c)...)
		return respond(c, members, err)
	}

	n, err := intParam(c, "n", vrc.MaxPageSize)
	if err != nil {
		return err
	}
	offset, err := intParam(c, "offset", 0)
	if err != nil {
		return err
	}
	if offset < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "offset must be >= 0")
	}
	members, err := srv.api.GetMembers(ctx, c.Param("id"), n, offset, readOptions(c)...)
	return respond(c, members, err)
}

func (srv *Server) GetBans(c echo.Context) error {
	bans, err := srv.api.GetBans(c.Request().Context(), c.Param("id"), readOptions(c)...)
	return respond(c, bans, err)
}

func (srv *Server) GetJoinRequests(c echo.Context) error {
	reqs, err := srv.api.GetJoinRequests(c.Request().Context(), c.Param("id"), readOptions(c)...)
	return respond(c, reqs, err)
}

func (srv *Server) GetInstances(c echo.Context) error {
	insts, err := srv.api.GetGroupInstances(c.Request().Context(), c.Param("id"), readOptions(c)...)
	return respond(c, insts, err)
}

// GetMyGroups serves the moderated groups of the session's user.
func (srv *Server) GetMyGroups(c echo.Context) error {
	ctx := c.Request().Context()
	me, err := srv.api.GetCurrentUser(ctx)
	if err != nil {
		return err
	}
	force, _ := strconv.ParseBool(c.QueryParam("force"))
	groups, err := srv.api.GetMyGroups(ctx, me.ID, force)
	return respond(c, groups, err)
}

type userBody struct {
	UserID string `json:"userId"`
}

type joinBody struct {
	Action vrc.JoinAction `json:"action"`
}

func (srv *Server) BanUser(c echo.Context) error {
	var body userBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	if body.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}
	if err := srv.api.BanUser(c.Request().Context(), c.Param("id"), body.UserID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (srv *Server) UnbanUser(c echo.Context) error {
	if err := srv.api.UnbanUser(c.Request().Context(), c.Param("id"), c.Param("user")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (srv *Server) KickUser(c echo.Context) error {
	if err := srv.api.KickUser(c.Request().Context(), c.Param("id"), c.Param("user")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (srv *Server) HandleJoinRequest(c echo.Context) error {
	var body joinBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	if err := srv.api.HandleJoinRequest(c.Request().Context(), c.Param("id"), c.Param("user"), body.Action); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (srv *Server) CacheStats(c echo.Context) error {
	return c.JSON(http.StatusOK, srv.api.Cache().Stats())
}

func (srv *Server) ClearCache(c echo.Context) error {
	srv.api.Cache().Clear()
	return c.NoContent(http.StatusNoContent)
}

func (srv *Server) InvalidateGroup(c echo.Context) error {
	removed := srv.api.Cache().InvalidateGroup(c.Param("id"))
	return c.JSON(http.StatusOK, map[string]int{"removed": removed})
}
