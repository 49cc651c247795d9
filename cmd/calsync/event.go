package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"google.golang.org/api/calendar/v3"

	calclient "github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/ics"
	"github.com/beekhof/calsync/internal/mutation"
)

// eventFlags are shared by the event subcommands.
type eventFlags struct {
	userID      string
	accountID   string
	calendarID  string
	eventID     string
	scope       string
	summary     string
	location    string
	payloadPath string
	destination string
}

func (f *eventFlags) bind(cmd *cobra.Command, withScope bool) {
	cmd.Flags().StringVar(&f.userID, "user", "", "user owning the linked account")
	cmd.Flags().StringVar(&f.accountID, "account", "", "linked account id")
	cmd.Flags().StringVar(&f.calendarID, "calendar", "primary", "calendar holding the event")
	cmd.Flags().StringVar(&f.eventID, "event", "", "event or instance id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("event")
	if withScope {
		cmd.Flags().StringVar(&f.scope, "scope", string(mutation.ScopeThis), "this, all or following")
	}
}

func newEventCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Edit, delete, move or export events",
	}
	cmd.AddCommand(newEventMutateCmd(mutation.OperationUpdate, "Update an event or part of its series"))
	cmd.AddCommand(newEventMutateCmd(mutation.OperationDelete, "Delete an event or part of its series"))
	cmd.AddCommand(newEventMutateCmd(mutation.OperationMove, "Move an event or part of its series to another calendar"))
	cmd.AddCommand(newEventExportCmd())
	return cmd
}

func newEventMutateCmd(op mutation.Operation, short string) *cobra.Command {
	var f eventFlags
	cmd := &cobra.Command{
		Use:   string(op),
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			scope, err := mutation.ParseScope(f.scope)
			if err != nil {
				return err
			}
			req := mutation.Request{
				CalendarID:            f.calendarID,
				EventID:               f.eventID,
				DestinationCalendarID: f.destination,
				Scope:                 scope,
				Operation:             op,
			}
			if op == mutation.OperationUpdate {
				if req.Payload, err = f.payload(); err != nil {
					return err
				}
			}

			engine, err := openEngine(ctx, &f)
			if err != nil {
				return err
			}
			defer engine.close()

			result, err := engine.Mutate(ctx, req)
			if err != nil {
				return err
			}
			if result == nil {
				return nil
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	f.bind(cmd, true)
	switch op {
	case mutation.OperationUpdate:
		cmd.Flags().StringVar(&f.summary, "summary", "", "new summary")
		cmd.Flags().StringVar(&f.location, "location", "", "new location")
		cmd.Flags().StringVar(&f.payloadPath, "payload", "", "event fields as a JSON (.json) or iCalendar (.ics) file")
	case mutation.OperationMove:
		cmd.Flags().StringVar(&f.destination, "to", "", "destination calendar id")
		_ = cmd.MarkFlagRequired("to")
	}
	return cmd
}

// payload builds the update body from --payload, then lays --summary and
// --location over it.
func (f *eventFlags) payload() (*calendar.Event, error) {
	var event *calendar.Event
	if f.payloadPath != "" {
		data, err := os.ReadFile(f.payloadPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read payload")
		}
		if strings.EqualFold(filepath.Ext(f.payloadPath), ".ics") {
			event, err = ics.DecodeEvent(bytes.NewReader(data))
		} else {
			event, err = calclient.DecodeEvent(data)
		}
		if err != nil {
			return nil, err
		}
	}
	if f.summary == "" && f.location == "" {
		if event == nil {
			return nil, errors.New("update needs --summary, --location or --payload")
		}
		return event, nil
	}
	if event == nil {
		event = &calendar.Event{}
	}
	if f.summary != "" {
		event.Summary = f.summary
	}
	if f.location != "" {
		event.Location = f.location
	}
	return event, nil
}

func newEventExportCmd() *cobra.Command {
	var f eventFlags
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print an event as iCalendar, with its series when it is an instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			engine, err := openEngine(ctx, &f)
			if err != nil {
				return err
			}
			defer engine.close()

			event, err := engine.events.GetEvent(ctx, f.calendarID, f.eventID)
			if err != nil {
				return err
			}
			events := []*calendar.Event{event}
			if event.RecurringEventId != "" {
				master, err := engine.GetMasterRecurrence(ctx, f.calendarID, event)
				if err != nil {
					return err
				}
				events = []*calendar.Event{master, event}
			}
			return ics.Encode(os.Stdout, events...)
		},
	}
	f.bind(cmd, false)
	return cmd
}

type boundEngine struct {
	*mutation.Engine
	events calclient.EventService
	close  func()
}

func openEngine(ctx context.Context, f *eventFlags) (*boundEngine, error) {
	a, err := openApp(ctx)
	if err != nil {
		return nil, err
	}
	events, err := a.clients.EventClient(ctx, f.accountID, f.userID)
	if err != nil {
		a.Close()
		return nil, err
	}
	return &boundEngine{Engine: mutation.NewEngine(events), events: events, close: a.Close}, nil
}
