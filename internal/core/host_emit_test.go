package core_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"DonationLedger/internal/core"

	"github.com/rs/zerolog"
)

func TestDonation_AuditLogCarriesCallerAndAmount(t *testing.T) {
	var buf bytes.Buffer
	persistCh := make(chan core.CoreOutput, 8)
	h := core.NewHost(core.HostConfig{
		PersistChan: persistCh,
		Logger:      zerolog.New(&buf),
	})
	process(t, h, mustInitialize("alice"))
	process(t, h, mustDonate("bob", 500, 1))

	var found map[string]any
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var line map[string]any
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("log line is not JSON: %s", sc.Text())
		}
		if line["message"] == "donation recorded" {
			found = line
		}
	}
	if found == nil {
		t.Fatalf("no donation log line in:\n%s", buf.String())
	}
	if found["caller"] != "bob" {
		t.Errorf("caller: got %v, want bob", found["caller"])
	}
	if found["amount"] != "500" {
		t.Errorf("amount: got %v, want 500", found["amount"])
	}
	if _, ok := found["sequence"]; !ok {
		t.Error("sequence missing from donation log line")
	}

	outputs := drainOutputs(persistCh)
	last := outputs[len(outputs)-1]
	if last.Entry == nil || last.Entry.Actor != "bob" || !last.Entry.Amount.Equals64(500) {
		t.Errorf("emitted entry: %+v", last.Entry)
	}
}

func TestEmit_BlockedPersistChannel_ReleasedOnShutdown(t *testing.T) {
	done := make(chan struct{})
	h := core.NewHost(core.HostConfig{
		PersistChan:   make(chan core.CoreOutput), // nobody reads
		Done:          done,
		ShutdownGrace: 10 * time.Millisecond,
		Logger:        zerolog.Nop(),
	})

	returned := make(chan error, 1)
	go func() {
		_, err := h.ProcessCall(mustInitialize("alice"))
		returned <- err
	}()

	select {
	case <-returned:
		t.Fatal("ProcessCall returned before shutdown while persist channel was blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(done)
	select {
	case err := <-returned:
		if err != nil {
			t.Fatalf("ProcessCall: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessCall still blocked after shutdown")
	}
}
