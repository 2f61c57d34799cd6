// Package mapping maintains the relations between the local representations
// of one logical remote object: the authoritative Confirmed mirror, the
// locally simulated Predicted entity and the lagged Interpolated entity.
// Remote ids from the wire never leak past this package; everything inward
// works on local world.Entity handles.
package mapping

import (
	"errors"

	"github.com/netplay-go/netplay/component"
	"github.com/netplay-go/netplay/world"
)

// RemoteId is the entity handle as the sending peer knows it.
type RemoteId uint64

var (
	ErrRemoteTaken = errors.New("netplay: remote id already mapped")
	ErrPeerTaken   = errors.New("netplay: confirmed entity already has a peer in that role")
)

// Maps holds the remote↔confirmed, confirmed→predicted and
// confirmed→interpolated relations. Each relation is 1:1; linking a second
// peer into an occupied slot is refused rather than silently replacing it.
type Maps struct {
	remoteToConfirmed map[RemoteId]world.Entity
	confirmedToRemote map[world.Entity]RemoteId

	predictedOf  map[world.Entity]world.Entity
	confirmedOfP map[world.Entity]world.Entity

	interpolatedOf map[world.Entity]world.Entity
	confirmedOfI   map[world.Entity]world.Entity
}

func NewMaps() *Maps {
	return &Maps{
		remoteToConfirmed: make(map[RemoteId]world.Entity),
		confirmedToRemote: make(map[world.Entity]RemoteId),
		predictedOf:       make(map[world.Entity]world.Entity),
		confirmedOfP:      make(map[world.Entity]world.Entity),
		interpolatedOf:    make(map[world.Entity]world.Entity),
		confirmedOfI:      make(map[world.Entity]world.Entity),
	}
}

func (m *Maps) MapRemote(remote RemoteId, confirmed world.Entity) error {
	if _, ok := m.remoteToConfirmed[remote]; ok {
		return ErrRemoteTaken
	}
	if _, ok := m.confirmedToRemote[confirmed]; ok {
		return ErrRemoteTaken
	}
	m.remoteToConfirmed[remote] = confirmed
	m.confirmedToRemote[confirmed] = remote
	return nil
}

func (m *Maps) Confirmed(remote RemoteId) (world.Entity, bool) {
	e, ok := m.remoteToConfirmed[remote]
	return e, ok
}

func (m *Maps) Remote(confirmed world.Entity) (RemoteId, bool) {
	r, ok := m.confirmedToRemote[confirmed]
	return r, ok
}

func (m *Maps) LinkPredicted(confirmed, predicted world.Entity) error {
	if _, ok := m.predictedOf[confirmed]; ok {
		return ErrPeerTaken
	}
	if _, ok := m.confirmedOfP[predicted]; ok {
		return ErrPeerTaken
	}
	m.predictedOf[confirmed] = predicted
	m.confirmedOfP[predicted] = confirmed
	return nil
}

func (m *Maps) LinkInterpolated(confirmed, interpolated world.Entity) error {
	if _, ok := m.interpolatedOf[confirmed]; ok {
		return ErrPeerTaken
	}
	if _, ok := m.confirmedOfI[interpolated]; ok {
		return ErrPeerTaken
	}
	m.interpolatedOf[confirmed] = interpolated
	m.confirmedOfI[interpolated] = confirmed
	return nil
}

func (m *Maps) Predicted(confirmed world.Entity) (world.Entity, bool) {
	e, ok := m.predictedOf[confirmed]
	return e, ok
}

func (m *Maps) Interpolated(confirmed world.Entity) (world.Entity, bool) {
	e, ok := m.interpolatedOf[confirmed]
	return e, ok
}

func (m *Maps) ConfirmedOfPredicted(predicted world.Entity) (world.Entity, bool) {
	e, ok := m.confirmedOfP[predicted]
	return e, ok
}

// RemoveConfirmed drops every relation of a confirmed entity and returns
// its predicted and interpolated peers (world.Nil when absent) so the
// caller can cascade the despawn.
func (m *Maps) RemoveConfirmed(confirmed world.Entity) (predicted, interpolated world.Entity) {
	if r, ok := m.confirmedToRemote[confirmed]; ok {
		delete(m.remoteToConfirmed, r)
		delete(m.confirmedToRemote, confirmed)
	}
	predicted = world.Nil
	if p, ok := m.predictedOf[confirmed]; ok {
		predicted = p
		delete(m.predictedOf, confirmed)
		delete(m.confirmedOfP, p)
	}
	interpolated = world.Nil
	if i, ok := m.interpolatedOf[confirmed]; ok {
		interpolated = i
		delete(m.interpolatedOf, confirmed)
		delete(m.confirmedOfI, i)
	}
	return
}

// RemoteToConfirmed is the MapFunc for entity references arriving on the
// wire: remote ids resolve to local confirmed handles. A miss is a miss;
// the registry turns it into an explicit error, never a placeholder.
func (m *Maps) RemoteToConfirmed() component.MapFunc {
	return func(e world.Entity) (world.Entity, bool) {
		c, ok := m.remoteToConfirmed[RemoteId(e)]
		return c, ok
	}
}

// ConfirmedToPredicted is the MapFunc used when a confirmed value is copied
// into the predicted world: references to confirmed entities are rewritten
// to their predicted peers where one exists, and left as-is otherwise.
func (m *Maps) ConfirmedToPredicted() component.MapFunc {
	return func(e world.Entity) (world.Entity, bool) {
		if p, ok := m.predictedOf[e]; ok {
			return p, true
		}
		return e, true
	}
}

// ConfirmedToRemote is the MapFunc for outgoing values: local confirmed
// handles are rewritten to the ids the remote peer knows.
func (m *Maps) ConfirmedToRemote() component.MapFunc {
	return func(e world.Entity) (world.Entity, bool) {
		r, ok := m.confirmedToRemote[e]
		return world.Entity(r), ok
	}
}
