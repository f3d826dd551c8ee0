package rooms

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SahilKulkarni10/metaconnect-broker/protocol"
)

type fakeConn struct {
	id     string
	userID string

	mu       sync.Mutex
	received []protocol.Envelope
	sendErr  error
}

func (f *fakeConn) ID() string     { return f.id }
func (f *fakeConn) UserID() string { return f.userID }

func (f *fakeConn) SendEvent(env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.received = append(f.received, env)
	return nil
}

func subscriberIDs(r *Registry, roomID string) []string {
	var ids []string
	for _, c := range r.Subscribers(roomID) {
		ids = append(ids, c.ID())
	}
	return ids
}

func TestJoinIsIdempotent(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{id: "c1"}
	r.Add(c)

	r.Join("c1", "project:p1")
	r.Join("c1", "project:p1")

	assert.Equal(t, []string{"c1"}, subscriberIDs(r, "project:p1"))
	assert.Equal(t, []string{"project:p1"}, r.Rooms("c1"))
}

func TestLeaveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{id: "c1"}
	r.Add(c)

	// Leaving a room never joined is a no-op, not an error.
	r.Leave("c1", "project:p1")

	r.Join("c1", "project:p1")
	r.Leave("c1", "project:p1")
	r.Leave("c1", "project:p1")

	assert.Empty(t, r.Subscribers("project:p1"))
	assert.Empty(t, r.Rooms("c1"))
}

func TestJoinUnknownConnectionIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Join("ghost", "project:p1")
	assert.Empty(t, r.Subscribers("project:p1"))
}

func TestDropRemovesFromEveryRoom(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{id: "c1", userID: "u1"}
	r.Add(c)
	r.Join("c1", "project:p1")
	r.Join("c1", "community:c9")
	r.Join("c1", "session:s1")

	dropped, ok := r.Drop("c1")
	require.True(t, ok)
	assert.Equal(t, "u1", dropped.UserID())

	assert.Empty(t, r.Subscribers("project:p1"))
	assert.Empty(t, r.Subscribers("community:c9"))
	assert.Empty(t, r.Subscribers("session:s1"))
	assert.Zero(t, r.Count())
}

func TestDropIsExactlyOnce(t *testing.T) {
	r := NewRegistry()
	r.Add(&fakeConn{id: "c1"})

	_, first := r.Drop("c1")
	_, second := r.Drop("c1")

	assert.True(t, first)
	assert.False(t, second, "a second drop trigger must lose the race")
}

func TestDropIsExactlyOnceUnderConcurrency(t *testing.T) {
	r := NewRegistry()
	r.Add(&fakeConn{id: "c1"})

	const racers = 16
	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.Drop("c1"); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins)
}

func TestBidirectionalIndexInvariant(t *testing.T) {
	r := NewRegistry()
	conns := []string{"c1", "c2", "c3"}
	roomIDs := []string{"project:p1", "session:s1", "community:c1"}
	for _, id := range conns {
		r.Add(&fakeConn{id: id})
	}

	// An arbitrary interleaving of joins, leaves and a drop.
	r.Join("c1", roomIDs[0])
	r.Join("c1", roomIDs[1])
	r.Join("c2", roomIDs[0])
	r.Join("c3", roomIDs[2])
	r.Leave("c1", roomIDs[0])
	r.Join("c2", roomIDs[2])
	r.Drop("c3")

	checkInvariant := func() error {
		for _, connID := range conns {
			for _, roomID := range roomIDs {
				inRooms := false
				for _, rm := range r.Rooms(connID) {
					if rm == roomID {
						inRooms = true
					}
				}
				inSubs := false
				for _, id := range subscriberIDs(r, roomID) {
					if id == connID {
						inSubs = true
					}
				}
				if inRooms != inSubs {
					return fmt.Errorf("conn %s room %s: rooms=%v subscribers=%v", connID, roomID, inRooms, inSubs)
				}
			}
		}
		return nil
	}
	assert.NoError(t, checkInvariant())
}

func TestMultiDeviceSameUser(t *testing.T) {
	r := NewRegistry()
	d1 := &fakeConn{id: "c1", userID: "u1"}
	d2 := &fakeConn{id: "c2", userID: "u1"}
	r.Add(d1)
	r.Add(d2)

	personal := protocol.UserRoom("u1")
	r.Join("c1", personal)
	r.Join("c2", personal)

	assert.ElementsMatch(t, []string{"c1", "c2"}, subscriberIDs(r, personal))

	// One device dropping leaves the other subscribed.
	r.Drop("c1")
	assert.Equal(t, []string{"c2"}, subscriberIDs(r, personal))
}

func TestSubscribersIsASnapshot(t *testing.T) {
	r := NewRegistry()
	r.Add(&fakeConn{id: "c1"})
	r.Add(&fakeConn{id: "c2"})
	r.Join("c1", "project:p1")

	snap := r.Subscribers("project:p1")
	r.Join("c2", "project:p1")

	assert.Len(t, snap, 1, "a taken snapshot must not grow")
	assert.Len(t, r.Subscribers("project:p1"), 2)
}

func TestConcurrentJoinLeave(t *testing.T) {
	r := NewRegistry()
	const conns = 32
	for i := 0; i < conns; i++ {
		r.Add(&fakeConn{id: fmt.Sprintf("c%d", i)})
	}

	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			for j := 0; j < 50; j++ {
				r.Join(id, "session:shared")
				_ = r.Subscribers("session:shared")
				r.Leave(id, "session:shared")
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, r.Subscribers("session:shared"))
}
