package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFolderValidate(t *testing.T) {
	parent := "folder-1"
	tests := []struct {
		name    string
		folder  Folder
		wantErr bool
	}{
		{"valid root", Folder{ID: "f1", Name: "Reading"}, false},
		{"valid child", Folder{ID: "f2", ParentID: &parent, Name: "Articles"}, false},
		{"missing id", Folder{Name: "Reading"}, true},
		{"missing name", Folder{ID: "f1"}, true},
		{"self parent", Folder{ID: "folder-1", ParentID: &parent, Name: "Loop"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.folder.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		url  string
		want Platform
	}{
		{"https://www.youtube.com/watch?v=abc", PlatformYouTube},
		{"https://youtu.be/abc", PlatformYouTube},
		{"https://x.com/someone/status/1", PlatformTwitter},
		{"https://twitter.com/someone", PlatformTwitter},
		{"https://www.instagram.com/p/abc/", PlatformInstagram},
		{"https://www.tiktok.com/@someone/video/1", PlatformTikTok},
		{"https://old.reddit.com/r/golang", PlatformWeb}, // subdomain not matched
		{"https://example.com/article", PlatformWeb},
		{"not a url at all ::", PlatformWeb},
	}

	for _, tt := range tests {
		if got := ParsePlatform(tt.url); got != tt.want {
			t.Errorf("ParsePlatform(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestLinkSoftDelete(t *testing.T) {
	link := NewLink("https://example.com", nil)
	if link.Deleted() {
		t.Error("new link should not be deleted")
	}

	now := time.Now()
	link.DeletedAt = &now
	if !link.Deleted() {
		t.Error("link with DeletedAt should report deleted")
	}
}

func TestNewLinkDerivesPlatform(t *testing.T) {
	link := NewLink("https://www.youtube.com/watch?v=abc", nil)
	if link.Platform != PlatformYouTube {
		t.Errorf("Platform = %q, want %q", link.Platform, PlatformYouTube)
	}
	if link.ID == "" {
		t.Error("NewLink should generate an ID")
	}
	if err := link.Validate(); err != nil {
		t.Errorf("new link should validate: %v", err)
	}
}

func TestChangeEventValidate(t *testing.T) {
	row := json.RawMessage(`{"id":"l1"}`)

	tests := []struct {
		name    string
		event   ChangeEvent
		wantErr bool
	}{
		{"insert with after", ChangeEvent{Type: ChangeInsert, Table: ResourceLinks, After: row}, false},
		{"insert without after", ChangeEvent{Type: ChangeInsert, Table: ResourceLinks}, true},
		{"update with after", ChangeEvent{Type: ChangeUpdate, Table: ResourceFolders, Before: row, After: row}, false},
		{"delete with before", ChangeEvent{Type: ChangeDelete, Table: ResourceLinks, Before: row}, false},
		{"delete without before", ChangeEvent{Type: ChangeDelete, Table: ResourceLinks}, true},
		{"unknown type", ChangeEvent{Type: "TRUNCATE", Table: ResourceLinks, After: row}, true},
		{"missing table", ChangeEvent{Type: ChangeInsert, After: row}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSessionExpired(t *testing.T) {
	s := Session{UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)}
	if s.Expired() {
		t.Error("future expiry should not be expired")
	}

	s.ExpiresAt = time.Now().Add(-time.Minute)
	if !s.Expired() {
		t.Error("past expiry should be expired")
	}

	s.ExpiresAt = time.Time{}
	if s.Expired() {
		t.Error("zero expiry should never be expired")
	}
}
