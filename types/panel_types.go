package types

import "time"

type PanelSyncRecord struct {
	UserID                  int64
	RemoteExpiresAt         *time.Time
	RemoteTrafficLimitBytes int64
	RemoteResourceGroups    []string
	RemoteStatus            string
	Generation              int64
	Pending                 bool
	Attempts                int
	LastError               string
	LastSyncedAt            *time.Time
	UpdatedAt               time.Time
}
