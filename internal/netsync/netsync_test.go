package netsync

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/link18/tacsync/internal/model"
	"github.com/link18/tacsync/internal/store"
	"github.com/link18/tacsync/internal/wire"
)

func TestAddrSet_Contains(t *testing.T) {
	set := AddrSet{"192.168.1.10": {}, "127.0.0.1": {}}

	assert.True(t, set.Contains(net.ParseIP("192.168.1.10")))
	assert.True(t, set.Contains(net.ParseIP("127.0.0.1")))
	assert.False(t, set.Contains(net.ParseIP("192.168.1.11")))
	assert.False(t, set.Contains(nil))
}

func TestLocalAddrSet_IncludesLoopback(t *testing.T) {
	set, err := LocalAddrSet()
	require.NoError(t, err)
	assert.True(t, set.Contains(net.ParseIP("127.0.0.1")))
}

// startReceiver binds an ephemeral port and returns the receiver plus a
// sender dialed at it.
func startReceiver(t *testing.T, callsign string, local AddrSet, st *store.Store) (*Receiver, *net.UDPConn) {
	t.Helper()

	r, err := NewReceiver(0, callsign, local, st, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: r.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return r, conn
}

func waitForPlayer(t *testing.T, st *store.Store, id string) model.Player {
	t.Helper()
	var p model.Player
	require.Eventually(t, func() bool {
		snap := st.Snapshot()
		got, ok := snap.Players[id]
		if ok {
			p = got
		}
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return p
}

func TestReceiver_AcceptsPeerPlayer(t *testing.T) {
	st := store.New(store.DefaultConfig())
	_, conn := startReceiver(t, "Alice", AddrSet{}, st)

	data, err := wire.Encode(model.Player{
		ID: "Bob", Callsign: "Bob", X: 0.4, Y: 0.6,
		LastUpdate: time.Now(),
	})
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	p := waitForPlayer(t, st, "Bob")
	assert.Equal(t, model.OriginPeer, p.Origin)
	assert.Equal(t, 0.4, p.X)
}

func TestReceiver_DropsOwnSenderCallsign(t *testing.T) {
	st := store.New(store.DefaultConfig())
	r, conn := startReceiver(t, "Alice", AddrSet{}, st)

	data, err := wire.Encode(model.Player{
		ID: "Alice", Callsign: "Alice", X: 0.4, Y: 0.6,
		LastUpdate: time.Now(),
	})
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return r.Stats().Dropped == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, st.Snapshot().Players)
}

func TestReceiver_DropsLocalSourceAddress(t *testing.T) {
	st := store.New(store.DefaultConfig())
	// Loopback is in the local set, so our test datagram looks like a
	// self-echo even though the sender callsign differs.
	r, conn := startReceiver(t, "Alice", AddrSet{"127.0.0.1": {}}, st)

	data, err := wire.Encode(model.Player{
		ID: "Bob", Callsign: "Bob", X: 0.4, Y: 0.6,
		LastUpdate: time.Now(),
	})
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return r.Stats().Dropped == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, st.Snapshot().Players)
}

func TestReceiver_IgnoresPingAndMalformed(t *testing.T) {
	st := store.New(store.DefaultConfig())
	r, conn := startReceiver(t, "Alice", AddrSet{}, st)

	for _, payload := range []string{`{"type":"ping"}`, `not json`, `{"type":"warp_drive"}`} {
		_, err := conn.Write([]byte(payload))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		s := r.Stats()
		return s.Received == 3 && s.Dropped == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, st.Snapshot().Players)
}

func TestReceiver_ChatAndInvalidEntity(t *testing.T) {
	st := store.New(store.DefaultConfig())
	r, conn := startReceiver(t, "Alice", AddrSet{}, st)

	chat, err := wire.EncodeChat(model.ChatMessage{
		Sender: "Bob", Message: "tally two", Timestamp: time.Now(),
	})
	require.NoError(t, err)
	_, err = conn.Write(chat)
	require.NoError(t, err)

	// Out-of-range coordinate fails validation at the store.
	bad := []byte(`{"type":"player","id":"Bob","sender":"Bob","callsign":"Bob","x":7,"y":0.5}`)
	_, err = conn.Write(bad)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := st.Snapshot()
		return len(snap.Chat) == 1 && r.Stats().Dropped == 1
	}, 2*time.Second, 10*time.Millisecond)

	snap := st.Snapshot()
	assert.Equal(t, "tally two", snap.Chat[0].Message)
	assert.Empty(t, snap.Players)
}

func TestReceiver_MissingStampUsesReceiveTime(t *testing.T) {
	st := store.New(store.DefaultConfig())
	_, conn := startReceiver(t, "Alice", AddrSet{}, st)

	before := time.Now()
	_, err := conn.Write([]byte(`{"type":"player","id":"Bob","sender":"Bob","callsign":"Bob","x":0.5,"y":0.5}`))
	require.NoError(t, err)

	p := waitForPlayer(t, st, "Bob")
	assert.False(t, p.LastUpdate.Before(before.Truncate(time.Second)))
}

// transmitter under test sends to a loopback listener standing in for
// the broadcast address.
func startListener(t *testing.T) (*net.UDPConn, chan []byte) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	packets := make(chan []byte, 64)
	go func() {
		buf := make([]byte, wire.MaxDatagramSize)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				close(packets)
				return
			}
			pkt := make([]byte, n)
			copy(pkt, buf[:n])
			packets <- pkt
		}
	}()
	return conn, packets
}

func collectTypes(t *testing.T, packets chan []byte, want int) map[string]int {
	t.Helper()
	types := make(map[string]int)
	deadline := time.After(3 * time.Second)
	for want > 0 {
		select {
		case pkt := <-packets:
			dec, err := wire.Decode(pkt, time.Now())
			require.NoError(t, err)
			types[dec.Type]++
			want--
		case <-deadline:
			t.Fatalf("timed out waiting for datagrams, got %v", types)
		}
	}
	return types
}

func TestTransmitter_AnnouncesAndSharesOwnedEntities(t *testing.T) {
	listener, packets := startListener(t)
	port := listener.LocalAddr().(*net.UDPAddr).Port

	st := store.New(store.DefaultConfig())
	now := time.Now()
	require.NoError(t, st.Upsert(model.Player{
		ID: model.LocalPlayerID, Callsign: "Alice", X: 0.5, Y: 0.5,
		Origin: model.OriginLocal, LastUpdate: now,
	}))
	require.NoError(t, st.Upsert(model.Airfield{
		ID: "Alice_af_1", Callsign: "Alice", X: 0.2, Y: 0.2, Length: 0.01,
		Origin: model.OriginLocal, LastUpdate: now,
	}))
	require.NoError(t, st.Upsert(model.WaypointSet{
		Owner: "Alice", Points: []model.Point{{X: 0.1, Y: 0.1}},
		Origin: model.OriginLocal, LastUpdate: now,
	}))

	tx, err := NewTransmitter(TransmitterConfig{
		Port:                port,
		BroadcastIP:         "127.0.0.1",
		DisableLanBroadcast: true,
		Interval:            50 * time.Millisecond,
		Callsign:            "Alice",
	}, st, zerolog.Nop())
	require.NoError(t, err)
	defer tx.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tx.Run(ctx)
	}()

	types := collectTypes(t, packets, 5)
	cancel()
	<-done

	assert.GreaterOrEqual(t, types["team_chat"], 1, "online announcement")
	assert.GreaterOrEqual(t, types["airfield"], 1)
	assert.GreaterOrEqual(t, types["waypoints"], 1)
	assert.Positive(t, tx.Stats().Sent)
	assert.Zero(t, tx.Stats().Errors)
}

func TestTransmitter_PlayerCarriesCallsignIdentity(t *testing.T) {
	listener, packets := startListener(t)
	port := listener.LocalAddr().(*net.UDPAddr).Port

	st := store.New(store.DefaultConfig())
	require.NoError(t, st.Upsert(model.Player{
		ID: model.LocalPlayerID, Callsign: "Alice", X: 0.5, Y: 0.5,
		Origin: model.OriginLocal, LastUpdate: time.Now(),
	}))

	tx, err := NewTransmitter(TransmitterConfig{
		Port:                port,
		BroadcastIP:         "127.0.0.1",
		DisableLanBroadcast: true,
		Interval:            50 * time.Millisecond,
		Callsign:            "Alice",
	}, st, zerolog.Nop())
	require.NoError(t, err)
	defer tx.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tx.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case pkt := <-packets:
			dec, err := wire.Decode(pkt, time.Now())
			require.NoError(t, err)
			if p, ok := dec.Entity.(model.Player); ok {
				assert.Equal(t, "Alice", p.ID)
				assert.Equal(t, "Alice", p.Callsign)
				return
			}
		case <-deadline:
			t.Fatal("no player datagram observed")
		}
	}
}

func TestTransmitter_NudgeSendsPlansImmediately(t *testing.T) {
	listener, packets := startListener(t)
	port := listener.LocalAddr().(*net.UDPAddr).Port

	st := store.New(store.DefaultConfig())

	tx, err := NewTransmitter(TransmitterConfig{
		Port:                port,
		BroadcastIP:         "127.0.0.1",
		DisableLanBroadcast: true,
		Interval:            time.Hour, // keep the player cadence quiet
		Callsign:            "Alice",
	}, st, zerolog.Nop())
	require.NoError(t, err)
	defer tx.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tx.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Drain the online announcement.
	select {
	case <-packets:
	case <-time.After(3 * time.Second):
		t.Fatal("no announcement")
	}

	value := true
	require.NoError(t, st.Upsert(model.FormationFlag{
		Owner: "Alice", Value: value,
		Origin: model.OriginLocal, LastUpdate: time.Now(),
	}))
	tx.Nudge()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case pkt := <-packets:
			dec, err := wire.Decode(pkt, time.Now())
			require.NoError(t, err)
			if f, ok := dec.Entity.(model.FormationFlag); ok {
				assert.True(t, f.Value)
				return
			}
		case <-deadline:
			t.Fatal("no formation datagram after nudge")
		}
	}
}
