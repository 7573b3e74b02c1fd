package interaction

import (
	"fmt"

	"msgstore/pkg/engine"
	"msgstore/pkg/extensions"
	"msgstore/pkg/kv"
	"msgstore/pkg/logger"
)

// Extension names. They match the names older stores registered, so an
// existing store keeps its entries.
const (
	ThreadViewName     = "TSMessageDatabaseViewExtensionName"
	UnreadViewName     = "TSUnreadDatabaseViewExtensionName"
	TimestampIndexName = "index_interactions_on_timestamp"
	FullTextName       = "TSFullTextSearchExtensionName"

	columnTimestamp = "timestamp"
	columnThread    = "thread"
)

// Tx is what the queries below need from a transaction.
type Tx interface {
	kv.Getter
	extensions.Resolver
}

// Definitions returns the extensions the interaction queries depend on.
func Definitions() []engine.Definition {
	return []engine.Definition{
		engine.AutoViewDefinition{
			Name:        ThreadViewName,
			Version:     1,
			Collections: []string{HeaderCollection},
			Grouping:    threadGrouping,
		},
		engine.OrderedViewDefinition{
			Name:        UnreadViewName,
			Version:     1,
			Collections: []string{HeaderCollection},
			Grouping:    unreadGrouping,
		},
		engine.SecondaryIndexDefinition{
			Name:        TimestampIndexName,
			Version:     1,
			Collections: []string{HeaderCollection},
			Index:       timestampIndex,
		},
		engine.FullTextDefinition{
			Name:        FullTextName,
			Version:     1,
			Collections: []string{HeaderCollection},
			Text:        bodyText,
		},
	}
}

// RegisterExtensions attaches every interaction extension to db.
func RegisterExtensions(db *engine.DB) error {
	for _, def := range Definitions() {
		if err := db.RegisterExtension(def); err != nil {
			return fmt.Errorf("register interaction extensions: %w", err)
		}
	}
	return nil
}

// indexed decodes the record an extension callback was handed. Records that
// fail to decode are left out of every extension. The failure is reported
// by whoever fetches the record, not once per extension.
func indexed(g engine.Getter, key string) (Interaction, Message, bool) {
	m, ok, err := decode(g, key)
	if err != nil || !ok {
		return Interaction{}, nil, false
	}
	return m.Base(), m, true
}

func sortKey(b Interaction) string {
	return fmt.Sprintf("%020d.%020d", b.SortID, b.Timestamp)
}

func threadGrouping(g engine.Getter, _, key string, _ []byte) (string, string, bool) {
	b, _, ok := indexed(g, key)
	if !ok || b.UniqueThreadID == "" {
		return "", "", false
	}
	return b.UniqueThreadID, sortKey(b), true
}

func unreadGrouping(g engine.Getter, _, key string, _ []byte) (string, string, bool) {
	b, m, ok := indexed(g, key)
	if !ok || b.UniqueThreadID == "" {
		return "", "", false
	}
	in, isIncoming := m.(IncomingMessage)
	if !isIncoming || in.Read {
		return "", "", false
	}
	return b.UniqueThreadID, sortKey(b), true
}

func timestampIndex(g engine.Getter, _, key string, _ []byte) map[string]string {
	b, _, ok := indexed(g, key)
	if !ok {
		return nil
	}
	cols := map[string]string{columnTimestamp: fmt.Sprintf("%020d", b.Timestamp)}
	if b.UniqueThreadID != "" {
		cols[columnThread] = b.UniqueThreadID
	}
	return cols
}

func bodyText(g engine.Getter, _, key string, _ []byte) (string, bool) {
	b, _, ok := indexed(g, key)
	if !ok || b.Body == "" {
		return "", false
	}
	return b.Body, true
}

func unavailable(query, name string) error {
	logger.Warn("interaction_index_unavailable", "query", query, "extension", name)
	return fmt.Errorf("%s: %w: %s", query, ErrIndexUnavailable, name)
}

// fetchAll decodes keys reported by an extension, stopping at the first
// decode error.
type fetchAll struct {
	tx  kv.Getter
	err error
}

func (f *fetchAll) get(key string) (Message, bool) {
	m, ok, err := Fetch(f.tx, key)
	if err != nil {
		f.err = err
		return nil, false
	}
	return m, ok
}

// EnumerateThread visits a thread's interactions in sortId, timestamp order.
func EnumerateThread(tx Tx, thread string, fn func(m Message, index int) bool) error {
	view, ok := extensions.SafeAutoView(tx, ThreadViewName)
	if !ok {
		return unavailable("enumerate_thread", ThreadViewName)
	}
	f := &fetchAll{tx: tx}
	err := view.EnumerateKeysInGroup(thread, func(_, key string, index int) bool {
		m, ok := f.get(key)
		if f.err != nil {
			return false
		}
		if !ok {
			return true
		}
		return fn(m, index)
	})
	if err != nil {
		return err
	}
	return f.err
}

// CountThread returns the number of interactions in a thread.
func CountThread(tx Tx, thread string) (int, error) {
	view, ok := extensions.SafeAutoView(tx, ThreadViewName)
	if !ok {
		return 0, unavailable("count_thread", ThreadViewName)
	}
	return view.NumberOfItemsInGroup(thread)
}

// Threads lists every thread that has at least one interaction.
func Threads(tx Tx) ([]string, error) {
	view, ok := extensions.SafeAutoView(tx, ThreadViewName)
	if !ok {
		return nil, unavailable("threads", ThreadViewName)
	}
	return view.Groups()
}

// LastInteraction returns the newest interaction of a thread.
func LastInteraction(tx Tx, thread string) (Message, bool, error) {
	view, ok := extensions.SafeAutoView(tx, ThreadViewName)
	if !ok {
		return nil, false, unavailable("last_interaction", ThreadViewName)
	}
	_, key, ok, err := view.LastKeyInGroup(thread)
	if err != nil || !ok {
		return nil, false, err
	}
	return Fetch(tx, key)
}

// UnreadCount returns the number of unread incoming messages in a thread.
func UnreadCount(tx Tx, thread string) (int, error) {
	view, ok := extensions.SafeView(tx, UnreadViewName)
	if !ok {
		return 0, unavailable("unread_count", UnreadViewName)
	}
	return view.NumberOfItemsInGroup(thread)
}

// FindByTimestamp visits the interactions sent at ts.
func FindByTimestamp(tx Tx, ts uint64, fn func(m Message) bool) error {
	idx, ok := extensions.SafeSecondaryIndex(tx, TimestampIndexName)
	if !ok {
		return unavailable("find_by_timestamp", TimestampIndexName)
	}
	return matchAll(tx, fn, func(visit func(collection, key string) bool) error {
		return idx.EnumerateKeysMatching(columnTimestamp, fmt.Sprintf("%020d", ts), visit)
	})
}

// Search visits the interactions whose body matches every query token. A
// trailing '*' makes the last token a prefix.
func Search(tx Tx, query string, fn func(m Message) bool) error {
	fts, ok := extensions.SafeFullTextIndex(tx, FullTextName)
	if !ok {
		return unavailable("search", FullTextName)
	}
	return matchAll(tx, fn, func(visit func(collection, key string) bool) error {
		return fts.EnumerateKeysMatching(query, visit)
	})
}

func matchAll(tx Tx, fn func(Message) bool, walk func(func(collection, key string) bool) error) error {
	f := &fetchAll{tx: tx}
	err := walk(func(_, key string) bool {
		m, ok := f.get(key)
		if f.err != nil {
			return false
		}
		if !ok {
			return true
		}
		return fn(m)
	})
	if err != nil {
		return err
	}
	return f.err
}
