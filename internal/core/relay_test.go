package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/protocol"
)

type fakePersister struct {
	mu          sync.Mutex
	configs     []config.Config
	histories   [][]protocol.Record
	failConfig  bool
	failHistory bool
}

func (p *fakePersister) SaveConfig(_ context.Context, cfg config.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs = append(p.configs, cfg)
	if p.failConfig {
		return errors.New("disk full")
	}
	return nil
}

func (p *fakePersister) SaveHistory(_ context.Context, records []protocol.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.histories = append(p.histories, records)
	if p.failHistory {
		return errors.New("disk full")
	}
	return nil
}

func (p *fakePersister) lastConfig(t *testing.T) config.Config {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.configs) == 0 {
		t.Fatal("expected a config write")
	}
	return p.configs[len(p.configs)-1]
}

type fakeAuditor struct {
	mu      sync.Mutex
	actions []string
}

func (a *fakeAuditor) InsertAudit(_ context.Context, action, target string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action+":"+target)
	return nil
}

func newTestRelay(t *testing.T, mutate func(*config.Config)) (*Relay, *fakePersister) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	p := &fakePersister{}
	clock := func() time.Time { return time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC) }
	return NewRelay(cfg, nil, WithPersister(p), WithClock(clock)), p
}

func mustLogin(t *testing.T, r *Relay, connID, username string) Session {
	t.Helper()
	s, err := r.Login(connID, "10.0.0."+connID, protocol.LoginRequest{Username: username})
	if err != nil {
		t.Fatalf("login %q: %v", username, err)
	}
	drain(s.Send)
	return s
}

// drain returns every event already queued on ch.
func drain(ch <-chan protocol.Message) []protocol.Message {
	var out []protocol.Message
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func countType(msgs []protocol.Message, typ string) int {
	n := 0
	for _, m := range msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func assertRecvType(t *testing.T, ch <-chan protocol.Message, typ string) protocol.Message {
	t.Helper()
	select {
	case msg := <-ch:
		if msg.Type != typ {
			t.Fatalf("expected message type %q, got %q (%+v)", typ, msg.Type, msg)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message %q", typ)
	}
	return protocol.Message{}
}

func assertNoRecv(t *testing.T, ch <-chan protocol.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("expected no message, got %+v", msg)
	default:
	}
}

func TestLoginUsernameRules(t *testing.T) {
	r, _ := newTestRelay(t, nil)

	_, err := r.Login("1", "10.0.0.1", protocol.LoginRequest{Username: "日本語"})
	if !errors.Is(err, ErrValidation) || !strings.Contains(err.Error(), "invalid characters") {
		t.Fatalf("expected invalid characters validation error, got %v", err)
	}

	_, err = r.Login("2", "10.0.0.2", protocol.LoginRequest{Username: strings.Repeat("a", 17)})
	if !errors.Is(err, ErrValidation) || !strings.Contains(err.Error(), "too long") {
		t.Fatalf("expected too long validation error, got %v", err)
	}

	_, err = r.Login("3", "10.0.0.3", protocol.LoginRequest{Username: "  "})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for blank name, got %v", err)
	}
	if Terminates(err) {
		t.Fatal("validation errors must not terminate the connection")
	}

	if _, err := r.Login("4", "10.0.0.4", protocol.LoginRequest{Username: strings.Repeat("a", 16)}); err != nil {
		t.Fatalf("16 character name should be accepted: %v", err)
	}
}

func TestLoginUsernameLengthCountsPadding(t *testing.T) {
	r, _ := newTestRelay(t, nil)

	_, err := r.Login("1", "10.0.0.1", protocol.LoginRequest{Username: " " + strings.Repeat("a", 16)})
	if !errors.Is(err, ErrValidation) || !strings.Contains(err.Error(), "too long") {
		t.Fatalf("expected padded 17 character name to be too long, got %v", err)
	}

	s, err := r.Login("2", "10.0.0.2", protocol.LoginRequest{Username: "  bob  "})
	if err != nil {
		t.Fatalf("padded short name should be accepted: %v", err)
	}
	if s.Username != "bob" {
		t.Fatalf("expected trimmed name, got %q", s.Username)
	}
}

func TestLoginNameTaken(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	mustLogin(t, r, "1", "alice")

	_, err := r.Login("2", "10.0.0.2", protocol.LoginRequest{Username: "alice"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if Terminates(err) {
		t.Fatal("name conflicts must not terminate the connection")
	}
	if got := r.OnlineCount(); got != 1 {
		t.Fatalf("expected 1 session, got %d", got)
	}
}

func TestLoginTwiceOnSameConnection(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	mustLogin(t, r, "1", "alice")

	_, err := r.Login("1", "10.0.0.1", protocol.LoginRequest{Username: "bob"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := r.Usernames(); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("unexpected roster %v", got)
	}
}

func TestConcurrentLoginsSameNameAtMostOneWins(t *testing.T) {
	r, _ := newTestRelay(t, nil)

	const attempts = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Login(fmt.Sprintf("c%d", i), "10.0.0.1", protocol.LoginRequest{Username: "alice"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || conflicts != attempts-1 {
		t.Fatalf("expected 1 win and %d conflicts, got %d and %d", attempts-1, wins, conflicts)
	}
}

func TestConcurrentLoginsRespectCapacity(t *testing.T) {
	r, _ := newTestRelay(t, func(c *config.Config) { c.MaxUsers = 5 })

	const attempts = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		full int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Login(fmt.Sprintf("c%d", i), "10.0.0.1", protocol.LoginRequest{Username: fmt.Sprintf("user%d", i)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrCapacity):
				if !Terminates(err) {
					t.Errorf("capacity errors must terminate the connection")
				}
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 5 || full != attempts-5 {
		t.Fatalf("expected 5 wins and %d full, got %d and %d", attempts-5, wins, full)
	}
	if got := r.OnlineCount(); got != 5 {
		t.Fatalf("registry size %d exceeds maxUsers", got)
	}
}

func TestLoginPassword(t *testing.T) {
	r, _ := newTestRelay(t, func(c *config.Config) { c.UserPasswords["alice"] = "secret" })

	_, err := r.Login("1", "10.0.0.1", protocol.LoginRequest{Username: "alice", Password: "nope"})
	if !errors.Is(err, ErrAuthorization) || Terminates(err) {
		t.Fatalf("expected non-terminating authorization error, got %v", err)
	}
	if _, err := r.Login("1", "10.0.0.1", protocol.LoginRequest{Username: "alice", Password: "secret"}); err != nil {
		t.Fatalf("correct password rejected: %v", err)
	}
}

func TestLoginBannedAddress(t *testing.T) {
	r, _ := newTestRelay(t, func(c *config.Config) { c.BannedIPs = []string{"1.2.3.4"} })

	_, err := r.Login("1", "1.2.3.4", protocol.LoginRequest{Username: "alice"})
	if !errors.Is(err, ErrBanned) || !Terminates(err) {
		t.Fatalf("expected terminating banned error, got %v", err)
	}
}

func TestLoginDeliversHistoryThenAnnouncements(t *testing.T) {
	r, _ := newTestRelay(t, func(c *config.Config) { c.HistoryCount = 2 })
	alice := mustLogin(t, r, "1", "alice")
	for _, c := range []string{"one", "two", "three"} {
		if err := r.Send(context.Background(), alice.ConnID, c); err != nil {
			t.Fatalf("send %q: %v", c, err)
		}
	}
	drain(alice.Send)

	bob, err := r.Login("2", "10.0.0.2", protocol.LoginRequest{Username: "bob"})
	if err != nil {
		t.Fatalf("login bob: %v", err)
	}

	hist := assertRecvType(t, bob.Send, protocol.TypeHistory)
	if got := contents(hist.History); !equalStrings(got, []string{"two", "three"}) {
		t.Fatalf("expected last two records, got %v", got)
	}
	sys := assertRecvType(t, bob.Send, protocol.TypeSystem)
	if !strings.Contains(sys.Message, "bob") {
		t.Fatalf("unexpected join notice %q", sys.Message)
	}
	list := assertRecvType(t, bob.Send, protocol.TypeUserList)
	if !equalStrings(list.Users, []string{"alice", "bob"}) {
		t.Fatalf("unexpected roster %v", list.Users)
	}

	assertRecvType(t, alice.Send, protocol.TypeSystem)
	assertRecvType(t, alice.Send, protocol.TypeUserList)
	assertNoRecv(t, alice.Send)
}

func TestLoginOnEmptyRelaySendsEmptyHistoryArray(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	alice, err := r.Login("1", "10.0.0.1", protocol.LoginRequest{Username: "alice"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	out, err := json.Marshal(assertRecvType(t, alice.Send, protocol.TypeHistory))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"type":"history","history":[]}` {
		t.Fatalf("unexpected first event %s", out)
	}
}

func TestSendBroadcastsToEveryone(t *testing.T) {
	r, p := newTestRelay(t, nil)
	alice := mustLogin(t, r, "1", "alice")
	bob := mustLogin(t, r, "2", "bob")
	drain(alice.Send)

	if err := r.Send(context.Background(), alice.ConnID, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	for _, s := range []Session{alice, bob} {
		msg := assertRecvType(t, s.Send, protocol.TypeMessage)
		if msg.Record == nil || msg.Record.Username != "alice" || msg.Record.Content != "hello" || msg.Record.Time != "15:04:05" {
			t.Fatalf("unexpected record %+v", msg.Record)
		}
	}
	if len(p.histories) != 1 || len(p.histories[0]) != 1 {
		t.Fatalf("expected one persisted history write, got %v", p.histories)
	}
}

func TestSendUnknownMentionRejectsWholeMessage(t *testing.T) {
	r, p := newTestRelay(t, nil)
	bob := mustLogin(t, r, "1", "bob")

	err := r.Send(context.Background(), bob.ConnID, "hey @alice look at this")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	assertNoRecv(t, bob.Send)
	if len(r.History()) != 0 || len(p.histories) != 0 {
		t.Fatal("rejected message reached history")
	}
}

func TestSendMentionDeliversOneNotice(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	alice := mustLogin(t, r, "1", "alice")
	bob := mustLogin(t, r, "2", "bob")
	carol := mustLogin(t, r, "3", "carol")
	drain(alice.Send)
	drain(bob.Send)

	if err := r.Send(context.Background(), alice.ConnID, "@bob hi @bob and @ghost"); err != nil {
		t.Fatalf("send: %v", err)
	}

	bobMsgs := drain(bob.Send)
	if countType(bobMsgs, protocol.TypeAt) != 1 || countType(bobMsgs, protocol.TypeMessage) != 1 {
		t.Fatalf("bob should get one at and one message, got %+v", bobMsgs)
	}
	at := bobMsgs[0]
	if at.Type != protocol.TypeAt || at.From != "alice" || at.Message != "@bob hi @bob and @ghost" {
		t.Fatalf("unexpected mention notice %+v", at)
	}

	aliceMsgs := drain(alice.Send)
	if countType(aliceMsgs, protocol.TypeAt) != 0 || countType(aliceMsgs, protocol.TypeMessage) != 1 {
		t.Fatalf("sender should get only the broadcast, got %+v", aliceMsgs)
	}
	carolMsgs := drain(carol.Send)
	if countType(carolMsgs, protocol.TypeAt) != 0 || countType(carolMsgs, protocol.TypeMessage) != 1 {
		t.Fatalf("carol should get only the broadcast, got %+v", carolMsgs)
	}
}

func TestSendSelfMentionIsBroadcastWithoutNotice(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	alice := mustLogin(t, r, "1", "alice")

	if err := r.Send(context.Background(), alice.ConnID, "note to @alice"); err != nil {
		t.Fatalf("send: %v", err)
	}
	msgs := drain(alice.Send)
	if countType(msgs, protocol.TypeAt) != 0 || countType(msgs, protocol.TypeMessage) != 1 {
		t.Fatalf("unexpected events %+v", msgs)
	}
}

func TestSendBannedWordCaseInsensitive(t *testing.T) {
	r, _ := newTestRelay(t, func(c *config.Config) { c.BanWords = []string{"spam"} })
	alice := mustLogin(t, r, "1", "alice")

	err := r.Send(context.Background(), alice.ConnID, "This is SPAM!")
	if !errors.Is(err, ErrValidation) || !strings.Contains(err.Error(), "banned word") {
		t.Fatalf("expected banned word rejection, got %v", err)
	}
	assertNoRecv(t, alice.Send)
}

func TestSendTooLong(t *testing.T) {
	r, _ := newTestRelay(t, func(c *config.Config) { c.MaxMessageLength = 5 })
	alice := mustLogin(t, r, "1", "alice")

	if err := r.Send(context.Background(), alice.ConnID, "123456"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := r.Send(context.Background(), alice.ConnID, "日本語です"); err != nil {
		t.Fatalf("five characters should fit: %v", err)
	}
}

func TestSendLengthCountsCodePoints(t *testing.T) {
	r, _ := newTestRelay(t, func(c *config.Config) { c.MaxMessageLength = 2 })
	alice := mustLogin(t, r, "1", "alice")

	// Each emoji is one code point, four bytes in UTF-8.
	if err := r.Send(context.Background(), alice.ConnID, "😀😀"); err != nil {
		t.Fatalf("two emoji should fit a limit of two: %v", err)
	}
	if err := r.Send(context.Background(), alice.ConnID, "😀😀a"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for three code points, got %v", err)
	}
}

func TestSendWithoutSessionIsDropped(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	alice := mustLogin(t, r, "1", "alice")

	if err := r.Send(context.Background(), "ghost", "hello"); err != nil {
		t.Fatalf("expected silent drop, got %v", err)
	}
	assertNoRecv(t, alice.Send)
}

func TestDisconnectAnnouncesLeave(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	alice := mustLogin(t, r, "1", "alice")
	bob := mustLogin(t, r, "2", "bob")
	drain(alice.Send)

	r.Disconnect(bob.ConnID)

	sys := assertRecvType(t, alice.Send, protocol.TypeSystem)
	if !strings.Contains(sys.Message, "bob") {
		t.Fatalf("unexpected leave notice %q", sys.Message)
	}
	list := assertRecvType(t, alice.Send, protocol.TypeUserList)
	if !equalStrings(list.Users, []string{"alice"}) {
		t.Fatalf("unexpected roster %v", list.Users)
	}
	if _, ok := <-bob.Send; ok {
		t.Fatal("expected bob's send channel to be closed")
	}

	r.Disconnect("never-logged-in")
	assertNoRecv(t, alice.Send)
}

func TestFullSendQueueDoesNotBlock(t *testing.T) {
	cfg := config.Default()
	r := NewRelay(cfg, nil, WithSendBuffer(1))
	alice, err := r.Login("1", "10.0.0.1", protocol.LoginRequest{Username: "alice"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = r.Send(context.Background(), alice.ConnID, "flood")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send blocked on a full queue")
	}
	if got := len(r.History()); got != 10 {
		t.Fatalf("expected 10 records despite drops, got %d", got)
	}
}

func TestNewRelayTruncatesLoadedHistory(t *testing.T) {
	cfg := config.Default()
	cfg.HistoryCount = 2
	r := NewRelay(cfg, []protocol.Record{rec("A"), rec("B"), rec("C")})
	if got := contents(r.History()); !equalStrings(got, []string{"B", "C"}) {
		t.Fatalf("expected [B C], got %v", got)
	}
}
