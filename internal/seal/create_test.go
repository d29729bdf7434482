package seal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"secure.seal/internal/crypto"
	"secure.seal/internal/models"
	"secure.seal/internal/store"
)

func TestCreateTimed(t *testing.T) {
	f := newFixture(t)
	req := timedRequest("ciphertext", 2*time.Hour)
	req.ExpiresAfter = 24 * time.Hour

	res := f.create(t, req)
	if len(res.SealID) != 32 {
		t.Fatalf("seal id %q", res.SealID)
	}
	if res.ActionToken != "" {
		t.Fatal("timed seals must not get an action token")
	}
	if res.IV != req.IV {
		t.Fatalf("iv = %q", res.IV)
	}

	rec, err := f.meta.GetRecord(context.Background(), res.SealID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Mode != models.ModeTimed || !rec.UnlockTime.Equal(req.UnlockTime) || !rec.CreatedAt.Equal(t0) {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.BlobHash != crypto.Hash(req.EncryptedBlob) {
		t.Fatal("blob hash not stored")
	}
	if rec.ExpiresAt == nil || !rec.ExpiresAt.Equal(req.UnlockTime.Add(24*time.Hour)) {
		t.Fatalf("expires at = %v", rec.ExpiresAt)
	}
	if strings.Contains(rec.EncryptedKeyShare, string(req.KeyShare)) {
		t.Fatal("key share stored in the clear")
	}

	retain, ok := f.blobs.RetainUntil(res.SealID)
	if !ok || !retain.Equal(*rec.ExpiresAt) {
		t.Fatalf("blob retain until = %v %v", retain, ok)
	}
	if !f.saw(EventSealCreated) {
		t.Fatal("expected created event")
	}
}

func TestCreateWithoutRetentionHasNoExpiry(t *testing.T) {
	f := newFixture(t)
	res := f.create(t, timedRequest("ciphertext", time.Hour))

	rec, _ := f.meta.GetRecord(context.Background(), res.SealID)
	if rec.ExpiresAt != nil {
		t.Fatalf("expires at = %v, want nil", rec.ExpiresAt)
	}
	if retain, ok := f.blobs.RetainUntil(res.SealID); !ok || !retain.IsZero() {
		t.Fatalf("blob retain until = %v %v, want zero", retain, ok)
	}
}

func TestExpiredSealTakesItsBlob(t *testing.T) {
	f := newFixture(t)
	req := timedRequest("ciphertext", time.Hour)
	req.ExpiresAfter = 24 * time.Hour
	res := f.create(t, req)
	keep := f.create(t, timedRequest("kept", time.Hour))

	later := t0.Add(48 * time.Hour)
	if seals, _ := f.meta.Sweep(later); seals != 1 {
		t.Fatalf("swept %d records, want 1", seals)
	}
	n, err := f.blobs.SweepBlobs(context.Background(), later, store.RecordLive(f.meta))
	if err != nil || n != 1 {
		t.Fatalf("SweepBlobs = %d %v, want 1", n, err)
	}
	if _, err := f.blobs.Get(context.Background(), res.SealID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("blob survived its record: %v", err)
	}
	if _, err := f.blobs.Get(context.Background(), keep.SealID); err != nil {
		t.Fatalf("blob of a live seal removed: %v", err)
	}
}

func TestCreateDeadMansSwitch(t *testing.T) {
	f := newFixture(t)
	res := f.create(t, dmsRequest(time.Hour, 30*time.Minute))

	if res.ActionToken == "" {
		t.Fatal("expected action token")
	}
	if !strings.HasPrefix(res.ActionToken, res.SealID+":") {
		t.Fatalf("token not bound to seal: %s", res.ActionToken)
	}
	rec, _ := f.meta.GetRecord(context.Background(), res.SealID)
	if rec.Mode != models.ModeDeadMansSwitch || rec.PulseInterval != 30*time.Minute {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.LastPulseAt == nil || !rec.LastPulseAt.Equal(t0) {
		t.Fatalf("last pulse = %v", rec.LastPulseAt)
	}
	if rec.PulseTokenHash != crypto.Hash([]byte(res.ActionToken)) {
		t.Fatal("token hash not stored")
	}
}

func TestCreateEphemeralUnlocksImmediately(t *testing.T) {
	f := newFixture(t)
	res := f.create(t, ephemeralRequest(3))

	rec, _ := f.meta.GetRecord(context.Background(), res.SealID)
	if !rec.UnlockTime.Equal(t0) || rec.MaxViews == nil || *rec.MaxViews != 3 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestCreateUnlockBoundary(t *testing.T) {
	f := newFixture(t)
	l := DefaultLimits()

	if _, err := f.engine.Create(context.Background(), timedRequest("x", l.MinUnlockDelay), testCaller); err != nil {
		t.Fatalf("unlock exactly at the minimum delay should be accepted: %v", err)
	}
	_, err := f.engine.Create(context.Background(), timedRequest("x", l.MinUnlockDelay-time.Millisecond), testCaller)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.engine.Create(context.Background(), timedRequest("x", l.MaxUnlockWindow), testCaller); err != nil {
		t.Fatalf("unlock at the window edge should be accepted: %v", err)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	l := DefaultLimits()
	views := func(n int) *int { return &n }

	tests := []struct {
		name   string
		mutate func(*models.CreateRequest)
	}{
		{"empty blob", func(r *models.CreateRequest) { r.EncryptedBlob = nil }},
		{"oversize blob", func(r *models.CreateRequest) { r.EncryptedBlob = make([]byte, l.MaxBlobBytes+1) }},
		{"empty key share", func(r *models.CreateRequest) { r.KeyShare = nil }},
		{"oversize key share", func(r *models.CreateRequest) { r.KeyShare = make([]byte, l.MaxKeyShareBytes+1) }},
		{"empty iv", func(r *models.CreateRequest) { r.IV = "" }},
		{"long iv", func(r *models.CreateRequest) { r.IV = strings.Repeat("a", l.MaxIVLength+1) }},
		{"long message", func(r *models.CreateRequest) { r.UnlockMessage = strings.Repeat("m", l.MaxUnlockMessage+1) }},
		{"past unlock", func(r *models.CreateRequest) { r.UnlockTime = t0.Add(-time.Hour) }},
		{"missing unlock", func(r *models.CreateRequest) { r.UnlockTime = time.Time{} }},
		{"unlock too far", func(r *models.CreateRequest) { r.UnlockTime = t0.Add(l.MaxUnlockWindow + time.Second) }},
		{"both modes", func(r *models.CreateRequest) { r.IsDMS, r.IsEphemeral = true, true }},
		{"dms interval too short", func(r *models.CreateRequest) { r.IsDMS, r.PulseInterval = true, time.Minute }},
		{"dms interval too long", func(r *models.CreateRequest) { r.IsDMS, r.PulseInterval = true, l.MaxPulseInterval + 1 }},
		{"interval without dms", func(r *models.CreateRequest) { r.PulseInterval = time.Hour }},
		{"views without ephemeral", func(r *models.CreateRequest) { r.MaxViews = views(2) }},
		{"zero views", func(r *models.CreateRequest) { r.IsEphemeral, r.MaxViews = true, views(0) }},
		{"too many views", func(r *models.CreateRequest) { r.IsEphemeral, r.MaxViews = true, views(l.MaxViews + 1) }},
		{"negative retention", func(r *models.CreateRequest) { r.ExpiresAfter = -time.Hour }},
		{"retention too long", func(r *models.CreateRequest) { r.ExpiresAfter = l.MaxRetention + time.Hour }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := timedRequest("ciphertext", time.Hour)
			tt.mutate(&req)

			_, err := f.engine.Create(context.Background(), req, testCaller)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			if f.saw(EventSealCreated) {
				t.Fatal("nothing should have been created")
			}
		})
	}
}

func TestCreateRollsBackRecordWhenUploadFails(t *testing.T) {
	f := newFixture(t)
	f.blobs.set(func() { f.blobs.putErr = errBackend })

	_, err := f.engine.Create(context.Background(), timedRequest("ciphertext", time.Hour), testCaller)
	if KindOf(err) != KindStorageTransient {
		t.Fatalf("expected transient storage error, got %v", err)
	}
	if !f.saw(EventRollback) {
		t.Fatal("expected rollback event")
	}
	assertNoRecords(t, f)
}

func TestCreateReportsInconsistencyWhenRollbackFails(t *testing.T) {
	f := newFixture(t)
	f.blobs.set(func() { f.blobs.putErr = errBackend })
	f.meta.fail(&f.meta.deleteErr, errors.New("metadata down"))

	_, err := f.engine.Create(context.Background(), timedRequest("ciphertext", time.Hour), testCaller)
	if !errors.Is(err, ErrStorageInconsistent) {
		t.Fatalf("expected ErrStorageInconsistent, got %v", err)
	}
	if !errors.Is(err, errBackend) {
		t.Fatal("inconsistency should carry the original cause")
	}
	if !f.saw(EventRollbackFailed) {
		t.Fatal("expected rollback failure event")
	}
}

func TestCreateMetadataFailure(t *testing.T) {
	f := newFixture(t)
	f.meta.fail(&f.meta.createErr, errBackend)

	_, err := f.engine.Create(context.Background(), timedRequest("ciphertext", time.Hour), testCaller)
	if KindOf(err) != KindStorageTransient {
		t.Fatalf("expected transient storage error, got %v", err)
	}
}

func assertNoRecords(t *testing.T, f *fixture) {
	t.Helper()
	id := f.meta.lastCreated()
	if id == "" {
		t.Fatal("no record was ever created")
	}
	if _, err := f.meta.MemoryStore.GetRecord(context.Background(), id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("record %s should be gone, got %v", id, err)
	}
}
