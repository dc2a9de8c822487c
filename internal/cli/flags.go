package cli

import "database/sql"

// GlobalFlags holds flags available to all subcommands.
type GlobalFlags struct {
	Config  string `long:"config" description:"Path to config file" default:""`
	JSON    bool   `long:"json" description:"Output in JSON format"`
	Verbose bool   `long:"verbose" description:"Enable verbose output"`
	Version bool   `long:"version" description:"Show version and exit"`
}

// ServeCommand runs the daemon in the foreground.
type ServeCommand struct {
	Host     string `long:"host" description:"Override daemon listen host"`
	Port     int    `long:"port" description:"Override daemon port"`
	LogLevel string `long:"log-level" description:"Override log level"`

	globals *GlobalFlags
	version string
}

// StatusCommand shows database stats and daemon health.
type StatusCommand struct {
	globals *GlobalFlags
	version string
	db      *sql.DB
}

// ImportCommand feeds exported history through the bulk importer.
type ImportCommand struct {
	From string `long:"from" description:"JSON file of exported history items with their visits (required)"`
	Days int    `long:"days" description:"Override the import range in days"`

	globals *GlobalFlags
	db      *sql.DB
}

// PruneCommand deletes visits older than the retention horizon.
type PruneCommand struct {
	OlderThan string `long:"older-than" description:"Override retention period (e.g., 30d)"`
	DryRun    bool   `long:"dry-run" description:"Show what would be pruned without deleting"`

	globals *GlobalFlags
	db      *sql.DB
}

// PurgeCommand deletes ALL data after a safety confirmation.
type PurgeCommand struct {
	All   bool `long:"all" description:"Required flag to confirm purge intent"`
	Force bool `long:"force" description:"Skip safety confirmation prompt"`

	globals *GlobalFlags
	db      *sql.DB
}

// VisitsCommand lists the visits of a URL or walks a referrer trail.
type VisitsCommand struct {
	URL   string `long:"url" description:"URL whose visits to list"`
	Trail int64  `long:"trail" description:"Follow the referrer chain starting at this visit id"`

	globals *GlobalFlags
	db      *sql.DB
}

// NotesListCommand lists notes.
type NotesListCommand struct {
	URL string `long:"url" description:"Only notes of this URL (exact or normalized match)"`

	globals *GlobalFlags
	db      *sql.DB
}

// NotesAddCommand attaches a note.
type NotesAddCommand struct {
	URL     string `long:"url" description:"Page URL (required)"`
	Text    string `long:"text" description:"Note text (required)"`
	VisitID int64  `long:"visit" description:"Visit id to attach to (default: latest visit of the URL)"`
	Mode    string `long:"mode" description:"Merge mode: append | replace | separate (default: configured)"`

	globals *GlobalFlags
	db      *sql.DB
}

// NotesDeleteCommand deletes a note.
type NotesDeleteCommand struct {
	VisitID int64 `long:"visit" description:"Visit id of the note (required)"`

	globals *GlobalFlags
	db      *sql.DB
}
