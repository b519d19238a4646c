// Package model provides the core data structures for linkden.
package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Folder is a container for links. Folders nest at most one level deep:
// a folder with a non-nil ParentID must never itself be a parent.
type Folder struct {
	ID               string  `json:"id"`
	ParentID         *string `json:"parent_id,omitempty"` // nil = root folder
	Name             string  `json:"name"`
	Color            string  `json:"color,omitempty"`
	Icon             string  `json:"icon,omitempty"`
	IsPlatformFolder bool    `json:"is_platform_folder"` // system-seeded vs user-created

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the Folder has valid field values.
func (f *Folder) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("id is required")
	}
	if f.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(f.Name) > 100 {
		return fmt.Errorf("name must be 100 characters or less (got %d)", len(f.Name))
	}
	if f.ParentID != nil && *f.ParentID == f.ID {
		return fmt.Errorf("folder cannot be its own parent")
	}
	return nil
}

// IsRoot reports whether the folder has no parent.
func (f *Folder) IsRoot() bool {
	return f.ParentID == nil
}

// NewFolder creates a Folder with a generated UUID and current timestamps.
func NewFolder(name string, parentID *string) Folder {
	now := time.Now().UTC()
	return Folder{
		ID:        uuid.NewString(),
		ParentID:  parentID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Platform identifies the origin site of a saved link.
type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformTwitter   Platform = "twitter"
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformReddit    Platform = "reddit"
	PlatformWeb       Platform = "web" // anything not matched above
)

// ParsePlatform maps a hostname to a Platform. Unknown hosts map to
// PlatformWeb rather than an error.
func ParsePlatform(rawURL string) Platform {
	u, err := url.Parse(rawURL)
	if err != nil {
		return PlatformWeb
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch {
	case host == "youtube.com" || host == "youtu.be":
		return PlatformYouTube
	case host == "twitter.com" || host == "x.com":
		return PlatformTwitter
	case host == "instagram.com":
		return PlatformInstagram
	case host == "tiktok.com":
		return PlatformTikTok
	case host == "reddit.com":
		return PlatformReddit
	default:
		return PlatformWeb
	}
}

// Valid reports whether p is one of the closed set of platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformYouTube, PlatformTwitter, PlatformInstagram,
		PlatformTikTok, PlatformReddit, PlatformWeb:
		return true
	}
	return false
}

// Link is a saved URL. A nil DeletedAt means the link is live; a non-nil
// DeletedAt marks trash membership (soft delete).
type Link struct {
	ID          string   `json:"id"`
	URL         string   `json:"url"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Thumbnail   string   `json:"thumbnail,omitempty"`
	Platform    Platform `json:"platform"`
	FolderID    *string  `json:"folder_id,omitempty"` // nil = unfiled
	IsFavorite  bool     `json:"is_favorite"`

	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Validate checks if the Link has valid field values.
func (l *Link) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("id is required")
	}
	if l.URL == "" {
		return fmt.Errorf("url is required")
	}
	if !l.Platform.Valid() {
		return fmt.Errorf("unknown platform %q", l.Platform)
	}
	return nil
}

// Deleted reports whether the link is in the trash.
func (l *Link) Deleted() bool {
	return l.DeletedAt != nil
}

// NewLink creates a Link with a generated UUID, a platform derived from
// the URL, and current timestamps.
func NewLink(rawURL string, folderID *string) Link {
	now := time.Now().UTC()
	return Link{
		ID:        uuid.NewString(),
		URL:       rawURL,
		Platform:  ParsePlatform(rawURL),
		FolderID:  folderID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Session is the ephemeral authenticated identity. It is reconstructed
// from backend-held credentials on each process start, never persisted.
type Session struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session's expiry has passed.
func (s Session) Expired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}
