package transport

import (
	"container/list"
	"sync"
)

// Handler получает фреймы одного топика. Вызывается в горутине чтения
// соединения, по одному фрейму.
type Handler func(Frame)

// Subscription указывает на один обработчик.
type Subscription struct {
	Topic string
	id    uint64
}

// topics: топик -> упорядоченное множество обработчиков.
type topics struct {
	mu     sync.Mutex
	nextID uint64
	byName map[string]*list.List
	byID   map[uint64]*list.Element
}

type entry struct {
	id    uint64
	topic string
	h     Handler
}

func newTopics() *topics {
	return &topics{byName: make(map[string]*list.List), byID: make(map[uint64]*list.Element)}
}

func (t *topics) add(topic string, h Handler) Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	l := t.byName[topic]
	if l == nil {
		l = list.New()
		t.byName[topic] = l
	}
	t.byID[t.nextID] = l.PushBack(entry{id: t.nextID, topic: topic, h: h})
	return Subscription{Topic: topic, id: t.nextID}
}

func (t *topics) remove(s Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.byID[s.id]
	if !ok {
		return
	}
	delete(t.byID, s.id)
	// Топик берётся из записи: поле Subscription.Topic вызывающий мог изменить.
	topic := el.Value.(entry).topic
	l := t.byName[topic]
	if l == nil {
		return
	}
	l.Remove(el)
	if l.Len() == 0 {
		delete(t.byName, topic)
	}
}

// handlers — снимок обработчиков топика в порядке подписки.
func (t *topics) handlers(topic string) []Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.byName[topic]
	if l == nil {
		return nil
	}
	out := make([]Handler, 0, l.Len())
	for el := l.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(entry).h)
	}
	return out
}

func (t *topics) count(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l := t.byName[topic]; l != nil {
		return l.Len()
	}
	return 0
}

func (t *topics) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byName = make(map[string]*list.List)
	t.byID = make(map[uint64]*list.Element)
}
