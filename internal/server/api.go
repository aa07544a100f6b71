package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/convoyops/internal/apperr"
	"github.com/zulandar/convoyops/internal/models"
	"github.com/zulandar/convoyops/internal/visibility"
)

// RoleHeader carries the caller's role on REST requests.
const RoleHeader = "X-Role"

const roleKey = "convoy.role"

// registerRoutes sets up every route on the Gin router.
func registerRoutes(router *gin.Engine, s *Server) {
	router.GET("/healthz", handleHealth(s))
	router.GET("/ws", handleWS(s))

	api := router.Group("/api", withRole())
	api.GET("/mission", handleMission(s))
	api.GET("/vehicles", handleVehicles(s))
	api.GET("/alerts", handleAlerts(s))
	api.GET("/messages", handleMessages(s))
	api.GET("/waypoints", handleWaypoints(s))
	api.GET("/connection-log", handleConnectionLog(s))
	api.GET("/route-changes", handleRouteChanges(s))
	api.GET("/position-history", handlePositionHistory(s))
	api.POST("/route", handleRoute(s))
	api.POST("/classify", handleClassify(s))

	pc := api.Group("", requireCommand())
	pc.GET("/events", handleEvents(s))
	pc.POST("/mission/start", handleMissionStart(s))
	pc.POST("/mission/complete", handleMissionComplete(s))
	pc.POST("/mission/abort", handleMissionAbort(s))
	pc.POST("/waypoints", handleCreateWaypoint(s))
	pc.PUT("/waypoints/:id", handleUpdateWaypoint(s))
	pc.DELETE("/waypoints/:id", handleDeleteWaypoint(s))
}

// withRole parses the optional role header. Unknown roles are rejected.
func withRole() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(RoleHeader)
		if raw == "" {
			c.Next()
			return
		}
		role, err := models.ParseRole(raw)
		if err != nil {
			abortWithError(c, apperr.Invalid("role", err.Error()))
			return
		}
		c.Set(roleKey, role)
		c.Next()
	}
}

// requireCommand rejects requests that do not come from the command post.
func requireCommand() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := roleOf(c)
		if !role.IsCommand() {
			who := string(role)
			if who == "" {
				who = "anonymous"
			}
			abortWithError(c, apperr.Forbidden(who, c.Request.Method+" "+c.FullPath()))
			return
		}
		c.Next()
	}
}

func roleOf(c *gin.Context) (models.Role, bool) {
	v, ok := c.Get(roleKey)
	if !ok {
		return "", false
	}
	return v.(models.Role), true
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch apperr.Code(err) {
	case "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "forbidden":
		return http.StatusForbidden
	case "already_resolved", "invalid_transition":
		return http.StatusConflict
	case "enrichment_unavailable":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error(), "code": apperr.Code(err)})
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		abortWithError(c, apperr.Invalid("body", err.Error()))
		return false
	}
	return true
}

func handleHealth(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connected": s.registry.Connected()})
	}
}

// --- Queries ---

func handleMission(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		ms, err := s.store.Mission()
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, ms)
	}
}

func handleVehicles(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		vehicles := s.store.Vehicles()
		if role, ok := roleOf(c); ok {
			vehicles = visibility.VisibleVehicles(role, vehicles, s.radius)
		}
		c.JSON(http.StatusOK, vehicles)
	}
}

func handleAlerts(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		alerts := s.store.Alerts()
		if role, ok := roleOf(c); ok {
			alerts = visibility.VisibleAlerts(role, s.store.Vehicles(), alerts, s.radius)
		}
		c.JSON(http.StatusOK, alerts)
	}
}

func handleMessages(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		all := s.store.Messages()
		role, ok := roleOf(c)
		if !ok {
			c.JSON(http.StatusOK, all)
			return
		}
		out := make([]models.PcMessage, 0, len(all))
		for _, m := range all {
			if m.DeliversTo(role) {
				out = append(out, m)
			}
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleWaypoints(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.store.Waypoints())
	}
}

func handleConnectionLog(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.store.ConnectionLog())
	}
}

func handleRouteChanges(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.store.RouteChanges())
	}
}

func handlePositionHistory(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var role models.Role
		if raw := c.Query("role"); raw != "" {
			r, err := models.ParseRole(raw)
			if err != nil {
				abortWithError(c, apperr.Invalid("role", err.Error()))
				return
			}
			role = r
		}
		var since time.Time
		if raw := c.Query("since"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				abortWithError(c, apperr.Invalid("since", "must be an RFC 3339 timestamp"))
				return
			}
			since = t
		}
		samples := s.store.PositionHistory(role, since)
		if samples == nil {
			samples = []models.PositionSample{}
		}
		c.JSON(http.StatusOK, samples)
	}
}

type routeRequest struct {
	From *models.LatLng `json:"from"`
	To   *models.LatLng `json:"to"`
}

func handleRoute(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req routeRequest
		if !bindJSON(c, &req) {
			return
		}
		if req.From == nil || req.To == nil {
			abortWithError(c, apperr.Invalid("body", "from and to are required"))
			return
		}
		route, direct, err := s.hub.RouteBetween(c.Request.Context(), *req.From, *req.To)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"route": route, "direct": direct})
	}
}

type classifyRequest struct {
	Image string `json:"image"`
}

func handleClassify(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req classifyRequest
		if !bindJSON(c, &req) {
			return
		}
		e, err := s.hub.Classify(c.Request.Context(), req.Image)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"enrichment": e, "available": e != nil})
	}
}

// --- Commands ---

func handleMissionStart(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := roleOf(c)
		respondMission(c, func() (models.Mission, error) { return s.hub.StartMission(role) })
	}
}

func handleMissionComplete(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := roleOf(c)
		respondMission(c, func() (models.Mission, error) { return s.hub.CompleteMission(role) })
	}
}

func handleMissionAbort(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := roleOf(c)
		respondMission(c, func() (models.Mission, error) { return s.hub.AbortMission(role) })
	}
}

func respondMission(c *gin.Context, fn func() (models.Mission, error)) {
	ms, err := fn()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ms)
}

// waypointRequest is a full waypoint on create and a partial patch on
// update; nil fields are left unchanged.
type waypointRequest struct {
	Code          *string    `json:"code"`
	Name          *string    `json:"name"`
	Category      *string    `json:"category"`
	Lat           *float64   `json:"lat"`
	Lng           *float64   `json:"lng"`
	OrderIndex    *int       `json:"order_index"`
	Description   *string    `json:"description"`
	ETA           *time.Time `json:"eta"`
	ActualArrival *time.Time `json:"actual_arrival"`
}

func (r waypointRequest) apply(w *models.Waypoint) {
	if r.Code != nil {
		w.Code = *r.Code
	}
	if r.Name != nil {
		w.Name = *r.Name
	}
	if r.Category != nil {
		w.Category = *r.Category
	}
	if r.Lat != nil {
		w.Lat = *r.Lat
	}
	if r.Lng != nil {
		w.Lng = *r.Lng
	}
	if r.OrderIndex != nil {
		w.OrderIndex = *r.OrderIndex
	}
	if r.Description != nil {
		w.Description = *r.Description
	}
	if r.ETA != nil {
		w.ETA = r.ETA
	}
	if r.ActualArrival != nil {
		w.ActualArrival = r.ActualArrival
	}
}

func handleCreateWaypoint(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req waypointRequest
		if !bindJSON(c, &req) {
			return
		}
		if req.Lat == nil || req.Lng == nil {
			abortWithError(c, apperr.Invalid("position", "lat and lng are required"))
			return
		}
		var w models.Waypoint
		req.apply(&w)
		role, _ := roleOf(c)
		created, err := s.hub.CreateWaypoint(role, w)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, created)
	}
}

func handleUpdateWaypoint(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req waypointRequest
		if !bindJSON(c, &req) {
			return
		}
		role, _ := roleOf(c)
		updated, err := s.hub.UpdateWaypoint(role, c.Param("id"), func(w *models.Waypoint) error {
			req.apply(w)
			return nil
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, updated)
	}
}

func handleDeleteWaypoint(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := roleOf(c)
		if err := s.hub.DeleteWaypoint(role, c.Param("id")); err != nil {
			abortWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
