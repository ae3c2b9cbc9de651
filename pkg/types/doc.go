/*
Package types provides the value types and cross-component interfaces shared by the sftpvol packages.

The layering, from the host filesystem down to the wire:

	┌─────────────────────────────────────────────┐
	│              FUSE host adapter              │
	│         (cmd/sftpvol, internal/fuse)        │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│            Volume orchestrator              │
	│             (internal/volume)               │
	└─────────────────────────────────────────────┘
	          │        │         │          │
	┌─────────┴──┐ ┌───┴───┐ ┌───┴─────┐ ┌──┴──────┐
	│  Sessions  │ │ Cache │ │ Tracker │ │ Monitor │
	│ (ssh+sftp) │ │       │ │         │ │         │
	└────────────┘ └───────┘ └─────────┘ └─────────┘

Attr, DirEntry, SetAttr and StatFS carry remote metadata between the layers without
tying them to the SFTP client types. MetricsCollector is implemented by internal/metrics
and consumed by the orchestrator; NopMetrics is the zero-cost default.
*/
package types
