package pgpgate

import (
	"context"
	"fmt"
	"testing"
)

// failFindStore wraps a KeyStore and fails Find for selected identity ids.
type failFindStore struct {
	KeyStore
	failIDs map[int]bool
}

func (s *failFindStore) Find(ctx context.Context, identityID int) (*KeyRecord, error) {
	if s.failIDs[identityID] {
		return nil, fmt.Errorf("store unavailable")
	}
	return s.KeyStore.Find(ctx, identityID)
}

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()

	store := NewMemStore()
	if err := store.Save(ctx, KeyRecord{IdentityID: 1, Fingerprint: "AAAA"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, KeyRecord{IdentityID: 3, Fingerprint: "CCCC"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	keyed := Identity{ID: 1, Address: "keyed@example.com", Resolved: true}
	keyless := Identity{ID: 2, Address: "keyless@example.com", Resolved: true}
	keyedCc := Identity{ID: 3, Address: "keyed-cc@example.com", Resolved: true}
	unresolved := Identity{Address: "stranger@example.com"}

	tests := []struct {
		name          string
		mode          UnencryptedMode
		wantEncrypted int
		wantBlocked   int
		wantFiltered  int
		wantUnchanged int
	}{
		{"blocked", UnencryptedBlocked, 2, 2, 0, 0},
		{"filtered", UnencryptedFiltered, 2, 0, 2, 0},
		{"unchanged", UnencryptedUnchanged, 2, 0, 0, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := NewResolver(store, nil)
			buckets := resolver.Resolve(ctx, RecipientSet{
				To: []Identity{keyed, keyless},
				Cc: []Identity{keyedCc, unresolved},
			}, Policy{UnencryptedMails: tt.mode})

			count := func(f FieldRecipients) int { return len(f.To) + len(f.Cc) }

			if got := count(buckets.Encrypted); got != tt.wantEncrypted {
				t.Errorf("encrypted = %d, want %d", got, tt.wantEncrypted)
			}
			if got := count(buckets.Blocked); got != tt.wantBlocked {
				t.Errorf("blocked = %d, want %d", got, tt.wantBlocked)
			}
			if got := count(buckets.Filtered); got != tt.wantFiltered {
				t.Errorf("filtered = %d, want %d", got, tt.wantFiltered)
			}
			if got := count(buckets.Unchanged); got != tt.wantUnchanged {
				t.Errorf("unchanged = %d, want %d", got, tt.wantUnchanged)
			}
			if !buckets.Lost.Empty() {
				t.Errorf("lost bucket not empty: %+v", buckets.Lost)
			}
		})
	}
}

func TestResolver_FieldsStaySeparate(t *testing.T) {
	ctx := context.Background()

	store := NewMemStore()
	if err := store.Save(ctx, KeyRecord{IdentityID: 1, Fingerprint: "AAAA"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	resolver := NewResolver(store, nil)
	buckets := resolver.Resolve(ctx, RecipientSet{
		Cc: []Identity{{ID: 1, Address: "cc-only@example.com", Resolved: true}},
	}, Policy{UnencryptedMails: UnencryptedFiltered})

	if len(buckets.Encrypted.To) != 0 {
		t.Errorf("to = %v, want empty", buckets.Encrypted.To)
	}
	if len(buckets.Encrypted.Cc) != 1 {
		t.Fatalf("cc = %v, want one recipient", buckets.Encrypted.Cc)
	}
	if got := buckets.Encrypted.Cc[0].Address; got != "cc-only@example.com" {
		t.Errorf("address = %q, want %q", got, "cc-only@example.com")
	}
}

func TestResolver_UnknownPolicyLandsInLost(t *testing.T) {
	ctx := context.Background()

	resolver := NewResolver(NewMemStore(), nil)
	buckets := resolver.Resolve(ctx, RecipientSet{
		To: []Identity{{Address: "nobody@example.com"}},
	}, Policy{UnencryptedMails: UnencryptedMode("bogus")})

	if len(buckets.Lost.To) != 1 {
		t.Fatalf("lost.to = %v, want one recipient", buckets.Lost.To)
	}
	for name, f := range map[string]FieldRecipients{
		"encrypted": buckets.Encrypted,
		"blocked":   buckets.Blocked,
		"filtered":  buckets.Filtered,
		"unchanged": buckets.Unchanged,
	} {
		if !f.Empty() {
			t.Errorf("%s bucket not empty: %+v", name, f)
		}
	}
}

func TestResolver_LookupFailureDegradesToKeyless(t *testing.T) {
	ctx := context.Background()

	store := &failFindStore{KeyStore: NewMemStore(), failIDs: map[int]bool{7: true}}
	resolver := NewResolver(store, nil)

	buckets := resolver.Resolve(ctx, RecipientSet{
		To: []Identity{{ID: 7, Address: "flaky@example.com", Resolved: true}},
	}, Policy{UnencryptedMails: UnencryptedFiltered})

	if len(buckets.Filtered.To) != 1 {
		t.Errorf("filtered.to = %v, want the recipient treated as keyless", buckets.Filtered.To)
	}
}

func TestFieldRecipients_Addresses(t *testing.T) {
	f := FieldRecipients{
		To: []Identity{{Address: "a@example.com"}, {Address: "b@example.com"}},
		Cc: []Identity{{Address: "c@example.com"}},
	}
	got := f.Addresses()
	want := []string{"a@example.com", "b@example.com", "c@example.com"}
	if len(got) != len(want) {
		t.Fatalf("addresses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("addresses[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
