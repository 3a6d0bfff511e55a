// Package crosstab implements the cross-tab leader election protocol
// of spec.md §4.8 over a broadcast.Channel, so exactly one tab per
// (origin, applicationName) holds the server connection and every
// other tab routes operations through it.
package crosstab

import (
	"encoding/json"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/synckit/core/broadcast"
)

const tabIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
const tabIDLength = 12

// NewTabID generates a fixed-length, URL-safe tab id so the
// lexicographic leader tie-break is over ids of uniform length.
func NewTabID() string {
	id, err := gonanoid.Generate(tabIDAlphabet, tabIDLength)
	if err != nil {
		// gonanoid only errors on a malformed alphabet or non-positive
		// length, both compile-time constants here, so this is
		// unreachable in practice; panic rather than hand back an
		// empty id that would corrupt the election.
		panic("crosstab: nanoid generation failed: " + err.Error())
	}
	return id
}

type announceMsg struct {
	Type  string `json:"type"` // "announce", "heartbeat", "op"
	TabID string `json:"tabId"`
	// Op fields, present when Type == "op"
	ClientID string          `json:"clientId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Role is a tab's current position in the election.
type Role int

const (
	RoleFollower Role = iota
	RoleLeader
)

// ForwardedOp is an operation a follower asked this tab (the leader)
// to send to the server on its behalf.
type ForwardedOp struct {
	ClientID string
	Payload  json.RawMessage
}

// Coordinator runs the election and routing protocol for one tab.
type Coordinator struct {
	tabID             string
	channel           broadcast.Channel
	electionWindow    time.Duration
	heartbeatInterval time.Duration
	missedLimit       int

	mu           sync.Mutex
	role         Role
	knownLeader  string
	missedBeats  int
	stopHeartbeat chan struct{}

	onForward func(ForwardedOp) // leader-only: routes a follower's op to the server
	onBecomeLeader func()
	onBecomeFollower func()
}

// Config tunes election timing; zero values fall back to spec.md §4.8
// reference defaults.
type Config struct {
	ElectionWindow    time.Duration
	HeartbeatInterval time.Duration
	MissedBeatsLimit  int
	OnForward         func(ForwardedOp)
	OnBecomeLeader    func()
	OnBecomeFollower  func()
}

// New creates a Coordinator bound to channel, with a freshly generated
// tab id, and starts its election timer.
func New(channel broadcast.Channel, cfg Config) *Coordinator {
	if cfg.ElectionWindow == 0 {
		cfg.ElectionWindow = 300 * time.Millisecond
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.MissedBeatsLimit == 0 {
		cfg.MissedBeatsLimit = 3
	}
	c := &Coordinator{
		tabID:             NewTabID(),
		channel:           channel,
		electionWindow:    cfg.ElectionWindow,
		heartbeatInterval: cfg.HeartbeatInterval,
		missedLimit:       cfg.MissedBeatsLimit,
		role:              RoleFollower,
		onForward:         cfg.OnForward,
		onBecomeLeader:    cfg.OnBecomeLeader,
		onBecomeFollower:  cfg.OnBecomeFollower,
	}
	return c
}

// TabID returns this tab's generated identifier.
func (c *Coordinator) TabID() string { return c.tabID }

// Role reports whether this tab currently believes itself leader.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Start announces presence, listens for other announcements within
// electionWindow, and resolves leadership: if no other tab announces
// a lexicographically larger tabId within the window, this tab claims
// leadership. It returns an unsubscribe function the caller must
// invoke on shutdown.
func (c *Coordinator) Start() func() {
	msgs, unsubscribe := c.channel.Subscribe()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.listen(msgs, done)
	}()

	c.post(announceMsg{Type: "announce", TabID: c.tabID})

	timer := time.NewTimer(c.electionWindow)
	<-timer.C
	c.mu.Lock()
	if c.knownLeader == "" {
		c.becomeLeaderLocked()
	}
	c.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.watchLeader(done)
	}()

	return func() {
		close(done)
		c.stopHeartbeatIfLeader()
		unsubscribe()
		wg.Wait()
	}
}

// watchLeader re-triggers an election when a follower stops hearing
// heartbeats from the known leader: missedBeats increments once per
// heartbeatInterval and resets whenever a heartbeat arrives in
// handle(); once it reaches missedLimit the follower re-announces and
// becomes a leadership candidate itself.
func (c *Coordinator) watchLeader(done chan struct{}) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.role != RoleFollower {
				c.mu.Unlock()
				continue
			}
			c.missedBeats++
			failover := c.missedBeats >= c.missedLimit
			if failover {
				c.missedBeats = 0
				c.knownLeader = ""
			}
			c.mu.Unlock()
			if failover {
				c.post(announceMsg{Type: "announce", TabID: c.tabID})
				time.Sleep(c.electionWindow)
				c.mu.Lock()
				if c.knownLeader == "" {
					c.becomeLeaderLocked()
				}
				c.mu.Unlock()
			}
		}
	}
}

func (c *Coordinator) listen(msgs <-chan []byte, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case raw, ok := <-msgs:
			if !ok {
				return
			}
			var msg announceMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			c.handle(msg)
		}
	}
}

func (c *Coordinator) handle(msg announceMsg) {
	switch msg.Type {
	case "announce":
		c.mu.Lock()
		if msg.TabID > c.tabID {
			// A higher-priority tab has announced; concede leadership
			// if we had claimed it, and track them as the leader
			// candidate until a heartbeat confirms it.
			if c.role == RoleLeader {
				c.becomeFollowerLocked()
			}
			if msg.TabID > c.knownLeader {
				c.knownLeader = msg.TabID
			}
		}
		c.mu.Unlock()
	case "heartbeat":
		c.mu.Lock()
		if msg.TabID == c.knownLeader || (c.role == RoleFollower && msg.TabID > c.tabID) {
			c.knownLeader = msg.TabID
			c.missedBeats = 0
		}
		c.mu.Unlock()
	case "op":
		c.mu.Lock()
		isLeader := c.role == RoleLeader
		forward := c.onForward
		c.mu.Unlock()
		if isLeader && forward != nil {
			forward(ForwardedOp{ClientID: msg.ClientID, Payload: msg.Payload})
		}
	}
}

func (c *Coordinator) becomeLeaderLocked() {
	c.role = RoleLeader
	c.knownLeader = c.tabID
	if c.onBecomeLeader != nil {
		go c.onBecomeLeader()
	}
	c.stopHeartbeat = make(chan struct{})
	go c.heartbeatLoop(c.stopHeartbeat)
}

func (c *Coordinator) becomeFollowerLocked() {
	c.role = RoleFollower
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
	if c.onBecomeFollower != nil {
		go c.onBecomeFollower()
	}
}

func (c *Coordinator) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.post(announceMsg{Type: "heartbeat", TabID: c.tabID})
		}
	}
}

func (c *Coordinator) stopHeartbeatIfLeader() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
}

// ForwardOp is called by a follower to route an operation through the
// leader; the leader's Coordinator receives it via onForward.
func (c *Coordinator) ForwardOp(clientID string, payload json.RawMessage) {
	c.post(announceMsg{Type: "op", TabID: c.tabID, ClientID: clientID, Payload: payload})
}

func (c *Coordinator) post(msg announceMsg) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.channel.Post(data)
}
