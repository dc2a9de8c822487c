package cli

import (
	"fmt"
	"os"

	goflags "github.com/jessevdk/go-flags"
)

// commands holds references to all subcommand structs for inspection/testing.
type commands struct {
	Serve       *ServeCommand
	Status      *StatusCommand
	Import      *ImportCommand
	Prune       *PruneCommand
	Purge       *PurgeCommand
	Visits      *VisitsCommand
	NotesList   *NotesListCommand
	NotesAdd    *NotesAddCommand
	NotesDelete *NotesDeleteCommand
}

// buildParser constructs the go-flags parser with all subcommands registered.
func buildParser(version string) (*goflags.Parser, *GlobalFlags, *commands) {
	var globals GlobalFlags

	parser := goflags.NewParser(&globals, goflags.Default)
	parser.Name = "tshistory"
	parser.LongDescription = "Local companion daemon for Tree Style History: visit graph, tab close records and page notes."

	cmds := &commands{
		Serve:       &ServeCommand{globals: &globals, version: version},
		Status:      &StatusCommand{globals: &globals, version: version},
		Import:      &ImportCommand{globals: &globals},
		Prune:       &PruneCommand{globals: &globals},
		Purge:       &PurgeCommand{globals: &globals},
		Visits:      &VisitsCommand{globals: &globals},
		NotesList:   &NotesListCommand{globals: &globals},
		NotesAdd:    &NotesAddCommand{globals: &globals},
		NotesDelete: &NotesDeleteCommand{globals: &globals},
	}

	parser.AddCommand("serve", "Start the daemon", "Start the local HTTP service the browser extension reports to.", cmds.Serve)
	parser.AddCommand("status", "Show database statistics", "Show visit graph, close record and note statistics plus daemon health.", cmds.Status)
	parser.AddCommand("import", "Import exported browser history", "Seed the history oracle from an exported JSON file and run the bulk importer.", cmds.Import)
	parser.AddCommand("prune", "Delete old visits", "Delete visits older than the retention horizon.", cmds.Prune)
	parser.AddCommand("purge", "Delete ALL data", "Delete ALL visits, close records and notes. Destructive operation with safety prompt.", cmds.Purge)
	parser.AddCommand("visits", "List the visits of a URL", "List the recorded visits of a URL, or follow one visit's referrer trail.", cmds.Visits)

	notes, _ := parser.AddCommand("notes", "Manage page notes", "List, add and delete notes attached to visits.", &struct{}{})
	notes.AddCommand("list", "List notes", "List every note, or the notes of one URL.", cmds.NotesList)
	notes.AddCommand("add", "Attach a note", "Attach a note to a visit of a URL.", cmds.NotesAdd)
	notes.AddCommand("delete", "Delete a note", "Delete the note stored under a visit id.", cmds.NotesDelete)

	return parser, &globals, cmds
}

// Run is the main entry point for the tshistory CLI using os.Args.
func Run(version string) error {
	return RunWithArgs(version, nil)
}

// RunWithArgs parses the given args (or os.Args if nil) and executes the matched subcommand.
func RunWithArgs(version string, args []string) error {
	// --version is valid without a subcommand.
	checkArgs := args
	if checkArgs == nil {
		checkArgs = os.Args[1:]
	}
	for _, arg := range checkArgs {
		if arg == "--version" {
			fmt.Printf("tshistory %s\n", version)
			return nil
		}
		if arg == "--" {
			break
		}
	}

	parser, _, _ := buildParser(version)

	var err error
	if args != nil {
		_, err = parser.ParseArgs(args)
	} else {
		_, err = parser.Parse()
	}

	if err != nil {
		if flagsErr, ok := err.(*goflags.Error); ok {
			if flagsErr.Type == goflags.ErrHelp {
				return nil
			}
		}
		return err
	}

	return nil
}
