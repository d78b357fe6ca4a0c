// Package domain holds the entities shared by the publish and scrape
// orchestrators together with the collaborator contracts they consume.
//
// Stores, platform adapters and channel senders live in other packages and
// satisfy the interfaces declared in ports.go.
package domain
