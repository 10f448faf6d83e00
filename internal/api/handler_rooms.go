package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"campusattend/internal/model"
)

func (h *handler) saveRoom(c *gin.Context) {
	var req struct {
		ID       string `json:"id" binding:"required"`
		Name     string `json:"name" binding:"required"`
		Capacity int    `json:"capacity" binding:"required"`
		Active   *bool  `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	room := model.Room{ID: req.ID, Name: req.Name, Capacity: req.Capacity, Active: true}
	if req.Active != nil {
		room.Active = *req.Active
	}
	saved, err := h.Rooms.Save(c.Request.Context(), room)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (h *handler) availableRooms(c *gin.Context) {
	start, end, ok := parseRange(c, "start", "end")
	if !ok {
		return
	}
	minCapacity := 0
	if v := c.Query("min_capacity"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(c, "min_capacity must be a non-negative integer")
			return
		}
		minCapacity = n
	}
	rooms, err := h.Rooms.FindAvailable(c.Request.Context(), start, end, minCapacity)
	if err != nil {
		h.fail(c, err)
		return
	}
	if rooms == nil {
		rooms = []model.Room{}
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *handler) roomAvailability(c *gin.Context) {
	start, end, ok := parseRange(c, "start", "end")
	if !ok {
		return
	}
	free, err := h.Rooms.IsAvailable(c.Request.Context(), c.Param("id"), start, end)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": c.Param("id"), "available": free})
}

func (h *handler) roomBusy(c *gin.Context) {
	from, to, ok := parseRange(c, "from", "to")
	if !ok {
		return
	}
	busy, err := h.Rooms.Busy(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	if busy == nil {
		busy = []model.Booking{}
	}
	c.JSON(http.StatusOK, gin.H{"room_id": c.Param("id"), "busy": busy})
}

func (h *handler) setGroupMembers(c *gin.Context) {
	var req struct {
		StudentIDs []string `json:"student_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.Sessions.SetGroupMembers(c.Request.Context(), c.Param("id"), req.StudentIDs); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
