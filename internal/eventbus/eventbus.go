// Package eventbus distributes named server events to registered subscribers.
// Publication is synchronous: subscribers run in registration order on the
// publishing goroutine, and fan-out for a given event is serialized so that
// slow subscribers cannot reorder a stream of publications.
package eventbus

import (
	"log"
	"sync"
)

// Event names a server event.
type Event string

// Core event set. Names are wire-stable: they are forwarded verbatim to
// secondary timers via cluster_event_trigger.
const (
	Startup  Event = "STARTUP"
	Shutdown Event = "SHUTDOWN"

	PilotAdd       Event = "PILOT_ADD"
	PilotAlter     Event = "PILOT_ALTER"
	PilotDelete    Event = "PILOT_DELETE"
	PilotDuplicate Event = "PILOT_DUPLICATE"

	ClassAdd       Event = "CLASS_ADD"
	ClassAlter     Event = "CLASS_ALTER"
	ClassDelete    Event = "CLASS_DELETE"
	ClassDuplicate Event = "CLASS_DUPLICATE"

	HeatAdd       Event = "HEAT_ADD"
	HeatAlter     Event = "HEAT_ALTER"
	HeatDelete    Event = "HEAT_DELETE"
	HeatDuplicate Event = "HEAT_DUPLICATE"
	HeatSet       Event = "HEAT_SET"

	ProfileAdd       Event = "PROFILE_ADD"
	ProfileAlter     Event = "PROFILE_ALTER"
	ProfileDelete    Event = "PROFILE_DELETE"
	ProfileDuplicate Event = "PROFILE_DUPLICATE"
	ProfileSet       Event = "PROFILE_SET"

	FormatAdd       Event = "FORMAT_ADD"
	FormatAlter     Event = "FORMAT_ALTER"
	FormatDelete    Event = "FORMAT_DELETE"
	FormatDuplicate Event = "FORMAT_DUPLICATE"
	FormatSet       Event = "FORMAT_SET"

	FrequencySet    Event = "FREQUENCY_SET"
	EnterAtLevelSet Event = "ENTER_AT_LEVEL_SET"
	ExitAtLevelSet  Event = "EXIT_AT_LEVEL_SET"

	RaceSchedule       Event = "RACE_SCHEDULE"
	RaceScheduleCancel Event = "RACE_SCHEDULE_CANCEL"
	RaceStage          Event = "RACE_STAGE"
	RaceStart          Event = "RACE_START"
	RaceFinish         Event = "RACE_FINISH"
	RaceStop           Event = "RACE_STOP"
	RaceLapRecorded    Event = "RACE_LAP_RECORDED"
	RacePilotDone      Event = "RACE_PILOT_DONE"
	RaceWin            Event = "RACE_WIN"

	LapsSave          Event = "LAPS_SAVE"
	LapsResave        Event = "LAPS_RESAVE"
	LapsDiscard       Event = "LAPS_DISCARD"
	LapsClear         Event = "LAPS_CLEAR"
	LapDelete         Event = "LAP_DELETE"
	LapRestoreDeleted Event = "LAP_RESTORE_DELETED"

	CrossingEnter Event = "CROSSING_ENTER"
	CrossingExit  Event = "CROSSING_EXIT"

	LEDManual        Event = "LED_MANUAL"
	LEDSetManual     Event = "LED_SET_MANUAL"
	LEDBrightnessSet Event = "LED_BRIGHTNESS_SET"

	ClusterJoin Event = "CLUSTER_JOIN"

	DatabaseBackup  Event = "DATABASE_BACKUP"
	DatabaseRestore Event = "DATABASE_RESTORE"
	DatabaseDelete  Event = "DATABASE_DELETE"
	DatabaseReset   Event = "DATABASE_RESET"
	DatabaseExport  Event = "DATABASE_EXPORT"

	OptionSet     Event = "OPTION_SET"
	TimeOffsetSet Event = "TIME_OFFSET_SET"
	MessageUI     Event = "MESSAGE_UI"
)

// Data is an event payload. Values must be JSON-encodable so payloads can be
// forwarded to cluster secondaries as stringified arguments.
type Data map[string]any

// Handler receives a published event.
type Handler func(Data)

type subscription struct {
	name string
	fn   Handler
}

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]subscription

	// one fan-out at a time per event, so publish order is observed order
	eventMu sync.Mutex
	locks   map[Event]*sync.Mutex
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs:  make(map[Event][]subscription),
		locks: make(map[Event]*sync.Mutex),
	}
}

// Subscribe registers fn for evt. The name identifies the subscription in
// logs and for Unsubscribe. Handlers are invoked in registration order.
func (b *Bus) Subscribe(evt Event, name string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[evt] = append(b.subs[evt], subscription{name: name, fn: fn})
}

// Unsubscribe removes the named subscription for evt.
func (b *Bus) Unsubscribe(evt Event, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[evt]
	for i, s := range subs {
		if s.name == name {
			b.subs[evt] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers data to every subscriber of evt, exactly once each, in
// registration order. Safe to call from any goroutine; concurrent publishes
// of the same event are serialized.
func (b *Bus) Publish(evt Event, data Data) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[evt]...)
	b.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	lock := b.lockFor(evt)
	lock.Lock()
	defer lock.Unlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("eventbus: subscriber %q panicked on %s: %v", s.name, evt, r)
				}
			}()
			s.fn(data)
		}()
	}
}

func (b *Bus) lockFor(evt Event) *sync.Mutex {
	b.eventMu.Lock()
	defer b.eventMu.Unlock()
	l, ok := b.locks[evt]
	if !ok {
		l = &sync.Mutex{}
		b.locks[evt] = l
	}
	return l
}
