package channel

import (
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/searle-dev/anywork/internal/task/models"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	dup := NewDuplexChannel(Defaults{})
	if err := reg.Register(dup); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	got, ok := reg.Get(TypeDuplex)
	if !ok {
		t.Fatal("Get() did not find registered channel")
	}
	if got.Type() != TypeDuplex {
		t.Errorf("Type() = %q, want %q", got.Type(), TypeDuplex)
	}

	if _, ok := reg.Get("slack"); ok {
		t.Error("Get() found a channel that was never registered")
	}
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(NewDuplexChannel(Defaults{})); err != nil {
		t.Fatalf("first Register() failed: %v", err)
	}
	if err := reg.Register(NewDuplexChannel(Defaults{})); err == nil {
		t.Error("second Register() of same type should fail")
	}
}

func TestRegistry_TypesSorted(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(NewWebhookChannel("secret", Defaults{}))
	_ = reg.Register(NewDuplexChannel(Defaults{}))

	got := reg.Types()
	want := []string{TypeDuplex, TypeWebhook}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Types() = %v, want %v", got, want)
	}
}

func TestMergeSkills_RequestWinsByName(t *testing.T) {
	defaults := []models.Skill{
		{Name: "search", Files: map[string]string{"SKILL.md": "default search"}},
		{Name: "summarize", Files: map[string]string{"SKILL.md": "default summarize"}},
	}
	requested := []models.Skill{
		{Name: "summarize", Files: map[string]string{"SKILL.md": "custom summarize"}},
		{Name: "translate", Files: map[string]string{"SKILL.md": "translate"}},
	}

	merged := MergeSkills(defaults, requested)

	names := make([]string, len(merged))
	for i, s := range merged {
		names[i] = s.Name
	}
	want := []string{"search", "summarize", "translate"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("merged names = %v, want %v", names, want)
	}
	if merged[1].Files["SKILL.md"] != "custom summarize" {
		t.Errorf("request skill did not override default: %q", merged[1].Files["SKILL.md"])
	}
}

func TestMergeSkills_Empty(t *testing.T) {
	if got := MergeSkills(nil, nil); got != nil {
		t.Errorf("MergeSkills(nil, nil) = %v, want nil", got)
	}
	one := []models.Skill{{Name: "a"}}
	if got := MergeSkills(one, nil); len(got) != 1 || got[0].Name != "a" {
		t.Errorf("MergeSkills(defaults, nil) = %v", got)
	}
	if got := MergeSkills(nil, one); len(got) != 1 || got[0].Name != "a" {
		t.Errorf("MergeSkills(nil, requested) = %v", got)
	}
}

func TestMergeBridgeConfigs_RequestWinsByName(t *testing.T) {
	defaults := []models.BridgeConfig{
		{Name: "tracker", Transport: "http", URL: "http://tracker.internal"},
	}
	requested := []models.BridgeConfig{
		{Name: "tracker", Transport: "http", URL: "http://tracker.override"},
		{Name: "files", Transport: "stdio", Command: "files-bridge"},
	}

	merged := MergeBridgeConfigs(defaults, requested)
	if len(merged) != 2 {
		t.Fatalf("len(merged) = %d, want 2", len(merged))
	}
	if merged[0].URL != "http://tracker.override" {
		t.Errorf("request bridge did not override default: %q", merged[0].URL)
	}
	if merged[1].Name != "files" {
		t.Errorf("merged[1].Name = %q, want files", merged[1].Name)
	}
}

func TestApply_InjectsDefaults(t *testing.T) {
	ch := NewWebhookChannel("secret", Defaults{
		Skills: []models.Skill{{Name: "triage"}},
	})
	req := &TaskRequest{Message: "hello"}
	Apply(ch, req)
	if len(req.Skills) != 1 || req.Skills[0].Name != "triage" {
		t.Errorf("Apply() skills = %v, want [triage]", req.Skills)
	}
}

func TestWebhookChannel_Verify(t *testing.T) {
	ch := NewWebhookChannel("s3cret", Defaults{})

	r := httptest.NewRequest("POST", "/api/channel/webhook/webhook", nil)
	r.Header.Set(WebhookTokenHeader, "s3cret")
	if !ch.Verify(r, nil) {
		t.Error("Verify() rejected the correct token")
	}

	r2 := httptest.NewRequest("POST", "/api/channel/webhook/webhook", nil)
	r2.Header.Set(WebhookTokenHeader, "wrong")
	if ch.Verify(r2, nil) {
		t.Error("Verify() accepted a wrong token")
	}

	r3 := httptest.NewRequest("POST", "/api/channel/webhook/webhook", nil)
	if ch.Verify(r3, nil) {
		t.Error("Verify() accepted a missing token")
	}
}

func TestWebhookChannel_Translate(t *testing.T) {
	ch := NewWebhookChannel("s3cret", Defaults{})

	req, err := ch.Translate([]byte(`{"session_id":"ext-1","message":"run the report"}`))
	if err != nil {
		t.Fatalf("Translate() failed: %v", err)
	}
	if req.SessionID != "ext-1" || req.Message != "run the report" {
		t.Errorf("Translate() = %+v", req)
	}

	if _, err := ch.Translate([]byte(`{"session_id":"ext-1"}`)); err == nil {
		t.Error("Translate() accepted a request without a message")
	}
	if _, err := ch.Translate([]byte(`not json`)); err == nil {
		t.Error("Translate() accepted invalid JSON")
	}
}

func TestDuplexChannel_NotWebhookReachable(t *testing.T) {
	ch := NewDuplexChannel(Defaults{})
	r := httptest.NewRequest("POST", "/api/channel/duplex/webhook", nil)
	if ch.Verify(r, []byte(`{}`)) {
		t.Error("duplex channel must reject webhook deliveries")
	}
}
