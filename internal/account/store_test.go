package account

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_InsertAndList(t *testing.T) {
	store := openTestStore(t)

	id, err := store.InsertAccount(&Account{
		ConfigID:      "team-1",
		SessionCookie: "ses",
		HostCookie:    "oses",
		SessionIndex:  "3",
		Enabled:       true,
	})
	if err != nil {
		t.Fatalf("InsertAccount failed: %v", err)
	}
	if id != 1 {
		t.Errorf("id = %d, want 1", id)
	}

	accounts, err := store.ListAccounts()
	if err != nil {
		t.Fatalf("ListAccounts failed: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("accounts = %d, want 1", len(accounts))
	}
	a := accounts[0]
	if a.ConfigID != "team-1" || a.SessionIndex != "3" || !a.Enabled {
		t.Errorf("account = %+v", a)
	}
}

func TestStore_SetEnabledAndConfig(t *testing.T) {
	store := openTestStore(t)
	id, _ := store.InsertAccount(&Account{ConfigID: "t", SessionCookie: "s", SessionIndex: "0", Enabled: true})

	store.SetEnabled(id, false)
	accounts, _ := store.ListAccounts()
	if accounts[0].Enabled {
		t.Error("expected disabled")
	}

	if err := store.SetConfigValue("proxy", "http://127.0.0.1:7890"); err != nil {
		t.Fatalf("SetConfigValue failed: %v", err)
	}
	if got := store.GetConfigValue("proxy"); got != "http://127.0.0.1:7890" {
		t.Errorf("proxy = %q", got)
	}
	// Upsert overwrites.
	_ = store.SetConfigValue("proxy", "http://127.0.0.1:1080")
	if got := store.GetConfigValue("proxy"); got != "http://127.0.0.1:1080" {
		t.Errorf("proxy after upsert = %q", got)
	}
	if got := store.GetConfigValue("missing"); got != "" {
		t.Errorf("missing key = %q", got)
	}
}

func TestMigrateJSON_TolerantParse(t *testing.T) {
	store := openTestStore(t)

	legacy := `{
		// hand-edited install
		"proxy": "http://127.0.0.1:7890",
		"auto_refresh_cookie": true,
		"accounts": [
			{
				"team_id": "team-a",
				"secure_c_ses": "ses-a",
				"host_c_oses": "oses-a",
				"csesidx": "1",
			},
			{"team_id": "team-b", "secure_c_ses": "ses-b", "csesidx": "2", "available": false},
		],
	}`
	path := filepath.Join(t.TempDir(), "legacy.json")
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := MigrateJSON(store, path, false); err != nil {
		t.Fatalf("MigrateJSON failed: %v", err)
	}

	accounts, _ := store.ListAccounts()
	if len(accounts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(accounts))
	}
	if accounts[0].ConfigID != "team-a" || !accounts[0].Enabled {
		t.Errorf("first account = %+v", accounts[0])
	}
	if accounts[1].Enabled {
		t.Error("second account should import disabled")
	}
	if got := store.GetConfigValue("proxy"); got != "http://127.0.0.1:7890" {
		t.Errorf("proxy = %q", got)
	}
	if got := store.GetConfigValue("auto_refresh_cookie"); got != "true" {
		t.Errorf("auto_refresh_cookie = %q", got)
	}

	// A populated store refuses a second import without force.
	if err := MigrateJSON(store, path, false); err == nil {
		t.Error("expected refusal without --force")
	}
}

func TestExportJSON_RoundTrip(t *testing.T) {
	store := openTestStore(t)
	_, _ = store.InsertAccount(&Account{ConfigID: "team-a", SessionCookie: "s", HostCookie: "o", SessionIndex: "1", Enabled: true})
	_ = store.SetConfigValue("image_base_url", "https://img.example.com")

	out := filepath.Join(t.TempDir(), "export.json")
	if err := ExportJSON(store, out); err != nil {
		t.Fatalf("ExportJSON failed: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("export unreadable: %v", err)
	}
	for _, needle := range []string{`"team_id":"team-a"`, `"image_base_url":"https://img.example.com"`} {
		if !strings.Contains(string(data), needle) {
			t.Errorf("export missing %s: %s", needle, data)
		}
	}
}
