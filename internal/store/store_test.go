package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/TDXCORE/EmailApp/internal/bus"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + whatsapp)", result.Version)
	}
}

func TestContactCRUD(t *testing.T) {
	db := testDB(t)

	c := &Contact{UserID: "u1", Email: "a@example.com", FirstName: "Ann", LastName: "Lee"}
	if err := db.CreateContact(c, nil); err != nil {
		t.Fatal(err)
	}
	if c.ID == "" || c.Status != ContactActive {
		t.Fatalf("create did not assign defaults: %+v", c)
	}

	// Same email for the same user is rejected.
	if err := db.CreateContact(&Contact{UserID: "u1", Email: "a@example.com"}, nil); err == nil {
		t.Error("expected unique violation for duplicate email")
	}

	c.FirstName = "Anne"
	if err := db.UpdateContact(c, nil); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetContact(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.FirstName != "Anne" {
		t.Errorf("got %+v, want first_name Anne", got)
	}

	// Another user cannot touch it.
	other := *c
	other.UserID = "u2"
	if err := db.UpdateContact(&other, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-user update err = %v, want ErrNotFound", err)
	}

	if err := db.DeleteContact("u1", c.ID); err != nil {
		t.Fatal(err)
	}
	got, err = db.GetContact(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("expected nil after delete")
	}
}

func TestContactGroupWritesAreAtomic(t *testing.T) {
	db := testDB(t)

	g := &Group{UserID: "u1", Name: "VIP"}
	if err := db.CreateGroup(g); err != nil {
		t.Fatal(err)
	}

	c := &Contact{UserID: "u1", Email: "a@x.com"}
	if err := db.CreateContact(c, []string{g.ID, "missing"}); err == nil {
		t.Fatal("expected error linking an unknown group")
	}
	if got, err := db.GetContact(c.ID); err != nil || got != nil {
		t.Fatalf("contact after failed create = %+v, %v", got, err)
	}

	c = &Contact{UserID: "u1", Email: "a@x.com"}
	if err := db.CreateContact(c, []string{g.ID}); err != nil {
		t.Fatal(err)
	}
	c.FirstName = "Ann"
	if err := db.UpdateContact(c, []string{"missing"}); err == nil {
		t.Fatal("expected error linking an unknown group")
	}
	got, err := db.GetContact(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FirstName != "" || len(got.Groups) != 1 || got.Groups[0].ID != g.ID {
		t.Errorf("contact after failed update = %+v", got)
	}
}

func TestGroupMembershipAndCounts(t *testing.T) {
	db := testDB(t)

	g := &Group{UserID: "u1", Name: "VIP"}
	if err := db.CreateGroup(g); err != nil {
		t.Fatal(err)
	}
	a := &Contact{UserID: "u1", Email: "a@x.com"}
	b := &Contact{UserID: "u1", Email: "b@x.com"}
	for _, c := range []*Contact{a, b} {
		if err := db.CreateContact(c, nil); err != nil {
			t.Fatal(err)
		}
		if err := db.AddContactToGroup(c.ID, g.ID); err != nil {
			t.Fatal(err)
		}
	}
	// Idempotent add.
	if err := db.AddContactToGroup(a.ID, g.ID); err != nil {
		t.Fatal(err)
	}

	groups, err := db.ListGroups("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].ContactCount != 2 {
		t.Fatalf("groups = %+v, want one group with 2 contacts", groups)
	}

	contacts, err := db.ListContacts("u1")
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range contacts {
		if len(c.Groups) != 1 || c.Groups[0].ID != g.ID {
			t.Errorf("contact %s groups = %+v", c.Email, c.Groups)
		}
	}

	n, err := db.RemoveContactFromAllGroups(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed %d memberships, want 1", n)
	}
	members, err := db.GroupMembers(g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].ID != b.ID {
		t.Errorf("members = %+v, want only b", members)
	}
}

func TestCampaignRecipientsDedupedAndActiveOnly(t *testing.T) {
	db := testDB(t)

	g1 := &Group{UserID: "u1", Name: "one"}
	g2 := &Group{UserID: "u1", Name: "two"}
	for _, g := range []*Group{g1, g2} {
		if err := db.CreateGroup(g); err != nil {
			t.Fatal(err)
		}
	}
	both := &Contact{UserID: "u1", Email: "both@x.com"}
	gone := &Contact{UserID: "u1", Email: "gone@x.com", Status: ContactUnsubscribed}
	only := &Contact{UserID: "u1", Email: "only@x.com"}
	for _, c := range []*Contact{both, gone, only} {
		if err := db.CreateContact(c, nil); err != nil {
			t.Fatal(err)
		}
	}
	links := [][2]string{{both.ID, g1.ID}, {both.ID, g2.ID}, {gone.ID, g1.ID}, {only.ID, g2.ID}}
	for _, l := range links {
		if err := db.AddContactToGroup(l[0], l[1]); err != nil {
			t.Fatal(err)
		}
	}

	camp := &Campaign{UserID: "u1", Name: "Launch", Subject: "Hi", Content: "<p>x</p>"}
	if err := db.CreateCampaign(camp, []string{g1.ID, g2.ID}); err != nil {
		t.Fatal(err)
	}

	recipients, err := db.CampaignRecipients(camp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(recipients) != 2 {
		t.Fatalf("got %d recipients, want 2", len(recipients))
	}
	for _, r := range recipients {
		if r.ID == gone.ID {
			t.Error("unsubscribed contact selected")
		}
	}

	got, err := db.GetCampaign(camp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Groups) != 2 {
		t.Errorf("campaign groups = %d, want 2", len(got.Groups))
	}

	// nil group list keeps targets.
	got.Name = "Launch 2"
	if err := db.UpdateCampaign(got, nil); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetCampaign(camp.ID)
	if got.Name != "Launch 2" || len(got.Groups) != 2 {
		t.Errorf("after update: name=%q groups=%d", got.Name, len(got.Groups))
	}

	if err := db.MarkCampaignSent(camp.ID, 5000); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetCampaign(camp.ID)
	if got.Status != CampaignSent || got.SentAt != 5000 {
		t.Errorf("status=%q sent_at=%d", got.Status, got.SentAt)
	}
}

func TestMetricsAndDashboard(t *testing.T) {
	db := testDB(t)

	c := &Contact{UserID: "u1", Email: "a@x.com"}
	if err := db.CreateContact(c, nil); err != nil {
		t.Fatal(err)
	}
	camp := &Campaign{UserID: "u1", Name: "n", Subject: "s", Content: "c"}
	if err := db.CreateCampaign(camp, nil); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertMetrics([]EmailMetric{{CampaignID: camp.ID, ContactID: c.ID, UserID: "u1", SentAt: 1000}}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMetricEvent(c.ID, camp.ID, "opened", 2000); err != nil {
		t.Fatal(err)
	}
	// Second open keeps the first timestamp.
	if err := db.MarkMetricEvent(c.ID, camp.ID, "opened", 3000); err != nil {
		t.Fatal(err)
	}
	n, err := db.StampUnsubscribed(c.ID, camp.ID, 4000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("stamped %d rows, want 1", n)
	}

	metrics, err := db.ListMetrics(camp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 || metrics[0].OpenedAt != 2000 || metrics[0].UnsubscribedAt != 4000 {
		t.Fatalf("metrics = %+v", metrics)
	}

	totals, err := db.Dashboard("u1")
	if err != nil {
		t.Fatal(err)
	}
	want := DashboardTotals{Contacts: 1, Campaigns: 1, EmailsSent: 1, Opened: 1, Unsubscribed: 1}
	if *totals != want {
		t.Errorf("totals = %+v, want %+v", *totals, want)
	}
}

func TestConfigEntries(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConfig("u1", "FROM_NAME", "Acme", "sender"); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertConfig("u1", "FROM_EMAIL", "a@acme.com", ""); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertConfig("u1", "FROM_NAME", "Acme Inc", ""); err != nil {
		t.Fatal(err)
	}

	entries, err := db.ListConfig("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Key != "FROM_EMAIL" {
		t.Fatalf("entries = %+v, want 2 ordered by key", entries)
	}
	if entries[1].Value != "Acme Inc" || entries[1].Description != "sender" {
		t.Errorf("upsert lost data: %+v", entries[1])
	}

	values, err := db.ConfigValues("u2")
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 0 {
		t.Errorf("u2 sees %d values, want 0", len(values))
	}
}

func TestWAMessageInsertIdempotentAndPublished(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	db.WithFeed(b)
	events, unsub := b.Subscribe(bus.TableNamespace(TableWAMessages), 8)
	defer unsub()

	m := &WAMessage{MessageID: "wamid.1", FromNumber: "5511", ToNumber: "biz", Type: "text", Content: `{"text":{"body":"hi"}}`, Status: WAStatusReceived, CreatedAt: 1000}
	inserted, err := db.InsertWAMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatal("first insert reported not inserted")
	}
	dup := *m
	inserted, err = db.InsertWAMessage(&dup)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("duplicate insert reported inserted")
	}

	select {
	case ev := <-events:
		if ev.Op() != bus.OpInsert {
			t.Errorf("op = %q, want insert", ev.Op())
		}
	case <-time.After(time.Second):
		t.Fatal("no insert event")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected second event %s", ev.Kind)
	default:
	}
}

func TestWAMessageUpdateByProviderID(t *testing.T) {
	db := testDB(t)

	m := &WAMessage{MessageID: "client-1", FromNumber: "biz", ToNumber: "5511", Type: "text", Status: WAStatusPending, CreatedAt: 1000}
	if _, err := db.InsertWAMessage(m); err != nil {
		t.Fatal(err)
	}
	m.ProviderID = "wamid.out"
	m.Status = WAStatusSent
	if err := db.UpdateWAMessage(m); err != nil {
		t.Fatal(err)
	}

	found, err := db.FindWAMessage("wamid.out")
	if err != nil {
		t.Fatal(err)
	}
	if found == nil || found.MessageID != "client-1" || found.Status != WAStatusSent {
		t.Errorf("found = %+v", found)
	}
	if err := db.UpdateWAMessage(&WAMessage{MessageID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestConversationQueries(t *testing.T) {
	db := testDB(t)

	rows := []WAMessage{
		{MessageID: "1", FromNumber: "alice", ToNumber: "biz", Type: "text", Status: WAStatusReceived, CreatedAt: 1000},
		{MessageID: "2", FromNumber: "biz", ToNumber: "alice", Type: "text", Status: WAStatusSent, CreatedAt: 2000},
		{MessageID: "3", FromNumber: "alice", ToNumber: "biz", Type: "text", Status: WAStatusReceived, CreatedAt: 3000},
		{MessageID: "4", FromNumber: "bob", ToNumber: "biz", Type: "text", Status: WAStatusReceived, CreatedAt: 4000},
	}
	for i := range rows {
		if _, err := db.InsertWAMessage(&rows[i]); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListConversationMessages("alice", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].MessageID != "1" || msgs[2].MessageID != "3" {
		t.Fatalf("msgs = %+v", msgs)
	}

	// Latest two only, still ascending.
	msgs, _ = db.ListConversationMessages("alice", 0, 2)
	if len(msgs) != 2 || msgs[0].MessageID != "2" {
		t.Errorf("limited msgs = %+v", msgs)
	}

	refs, err := db.ConversationMessageRefs("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 3 || refs[0].MessageID != "1" || refs[2].MessageID != "3" {
		t.Fatalf("refs = %+v", refs)
	}
	if refs[1].FromNumber != "biz" || refs[2].CreatedAt != 3000 {
		t.Errorf("ref fields = %+v", refs)
	}
}

func TestMarksNeverRegress(t *testing.T) {
	db := testDB(t)

	if _, ok, err := db.GetMark("op", "alice"); err != nil || ok {
		t.Fatalf("fresh mark ok=%v err=%v", ok, err)
	}
	if err := db.SetMark("op", "alice", 2000); err != nil {
		t.Fatal(err)
	}
	if err := db.SetMark("op", "alice", 1000); err != nil {
		t.Fatal(err)
	}
	at, ok, err := db.GetMark("op", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || at != 2000 {
		t.Errorf("mark = %d ok=%v, want 2000", at, ok)
	}
	if err := db.ClearMark("op", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := db.GetMark("op", "alice"); ok {
		t.Error("mark still present after clear")
	}
}

func TestOutbox(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: "client1", FromNumber: "biz", ToNumber: "5511", Type: "text", Payload: `{"body":"hi"}`}); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}
	if pending[0].ClientMsgID != "client1" {
		t.Errorf("client_msg_id = %q, want client1", pending[0].ClientMsgID)
	}

	if err := db.MarkOutboxSending("client1"); err != nil {
		t.Fatal(err)
	}
	n, err := db.ResetStaleOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reset %d, want 1", n)
	}
	if err := db.MarkOutboxSent("client1", "server1"); err != nil {
		t.Fatal(err)
	}

	pending, err = db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending after sent, want 0", len(pending))
	}
}

func TestUnsubscribeLogs(t *testing.T) {
	db := testDB(t)

	for i, email := range []string{"a@x.com", "b@x.com"} {
		l := &UnsubscribeLog{ContactID: "c", CampaignID: "k", Email: email, Reason: "user_request", UserID: "u1", UnsubscribedAt: int64(1000 + i)}
		if err := db.InsertUnsubscribeLog(l); err != nil {
			t.Fatal(err)
		}
	}
	logs, err := db.ListUnsubscribeLogs("u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 || logs[0].Email != "b@x.com" {
		t.Errorf("logs = %+v, want newest first", logs)
	}
}

func TestDuplicateContactEmailConflicts(t *testing.T) {
	db := testDB(t)
	if err := db.CreateContact(&Contact{UserID: "u1", Email: "a@x.com"}, nil); err != nil {
		t.Fatal(err)
	}
	err := db.CreateContact(&Contact{UserID: "u1", Email: "a@x.com"}, nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	// Another operator may hold the same address.
	if err := db.CreateContact(&Contact{UserID: "u2", Email: "a@x.com"}, nil); err != nil {
		t.Fatal(err)
	}
}

func TestMarkUnsubscribedOnce(t *testing.T) {
	db := testDB(t)
	c := &Contact{UserID: "u1", Email: "a@x.com"}
	if err := db.CreateContact(c, nil); err != nil {
		t.Fatal(err)
	}
	changed, err := db.MarkUnsubscribed(c.ID)
	if err != nil || !changed {
		t.Fatalf("first MarkUnsubscribed = %v, %v", changed, err)
	}
	changed, err = db.MarkUnsubscribed(c.ID)
	if err != nil || changed {
		t.Fatalf("second MarkUnsubscribed = %v, %v", changed, err)
	}
}
