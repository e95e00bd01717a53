package consult

import (
	"github.com/ashureev/formula-consult/internal/conversation"
	"github.com/ashureev/formula-consult/internal/domain"
)

// View is the view-model rendered by the CLI and pushed over the bridge.
type View struct {
	SessionID string               `json:"sessionId,omitempty"`
	State     string               `json:"state"`
	Streaming bool                 `json:"streaming"`
	Status    string               `json:"status,omitempty"`
	Notice    *conversation.Notice `json:"notice,omitempty"`
	Messages  []domain.Message     `json:"messages"`
	Sessions  []domain.Session     `json:"sessions"`
}

// Last returns the newest message, if any.
func (v View) Last() (domain.Message, bool) {
	if len(v.Messages) == 0 {
		return domain.Message{}, false
	}
	return v.Messages[len(v.Messages)-1], true
}

func (c *Controller) viewLocked() View {
	state := c.reducer.State()
	return View{
		SessionID: c.reducer.SessionID(),
		State:     state.String(),
		Streaming: state.InFlight(),
		Status:    c.reducer.Status(),
		Notice:    c.reducer.Notice(),
		Messages:  c.reducer.Messages(),
		Sessions:  append([]domain.Session(nil), c.sessions...),
	}
}
