package http

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/dkeye/Callroom/internal/app"
	"github.com/dkeye/Callroom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	relay    *app.Router
	presence app.Presence
}

// memberLister is implemented by presence backends that keep member emails.
type memberLister interface {
	Members(ctx context.Context, room domain.RoomID) (map[domain.ConnectionID]domain.Email, error)
}

type MembersResponse struct {
	Room    domain.RoomID        `json:"room"`
	Members []domain.Participant `json:"members"`
	// ClusterCount is the member count across relay instances; absent when
	// presence is not shared.
	ClusterCount *int64 `json:"cluster_count,omitempty"`
	// ClusterMembers lists members across relay instances, sorted by id.
	ClusterMembers []domain.Participant `json:"cluster_members,omitempty"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) rooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.relay.Registry.Rooms()})
}

func (h *handlers) members(c *gin.Context) {
	room, err := domain.ParseRoom(c.Param("room"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp := MembersResponse{Room: room, Members: h.relay.Registry.Participants(room)}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	switch n, err := h.presence.Count(ctx, room); {
	case err == nil:
		resp.ClusterCount = &n
	case !errors.Is(err, app.ErrPresenceDisabled):
		log.Warn().Err(err).Str("module", "http").Str("room", string(room)).Msg("presence count")
	}
	if lister, ok := h.presence.(memberLister); ok && resp.ClusterCount != nil {
		members, err := lister.Members(ctx, room)
		if err != nil {
			log.Warn().Err(err).Str("module", "http").Str("room", string(room)).Msg("presence members")
		} else {
			resp.ClusterMembers = clusterMembers(room, members)
		}
	}
	c.JSON(http.StatusOK, resp)
}

func clusterMembers(room domain.RoomID, members map[domain.ConnectionID]domain.Email) []domain.Participant {
	out := make([]domain.Participant, 0, len(members))
	for id, email := range members {
		out = append(out, domain.Participant{ID: id, Email: email, Room: room})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
