package functions

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Item struct {
	Name        string  `json:"name"`
	Price       float64 `json:"price"`
	Description string  `json:"description,omitempty"`
	Category    string  `json:"category,omitempty"`
}

type Order struct {
	ID        string
	Customer  string
	Items     []Item
	Total     float64
	Status    string
	CreatedAt time.Time
}

// OrderStore keeps orders placed during calls in memory.
type OrderStore struct {
	mu     sync.RWMutex
	orders map[string]Order
}

func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[string]Order)}
}

func (s *OrderStore) Create(customer string, items []Item, total float64) Order {
	o := Order{
		ID:        shortID(),
		Customer:  customer,
		Items:     items,
		Total:     total,
		Status:    "preparing",
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.orders[o.ID] = o
	s.mu.Unlock()
	return o
}

func (s *OrderStore) Get(id string) (Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(id), "#"))]
	return o, ok
}

type Appointment struct {
	ID        string
	Customer  string
	Date      string
	Time      string
	Details   string
	Status    string
	CreatedAt time.Time
}

type AppointmentStore struct {
	mu           sync.RWMutex
	appointments map[string]Appointment
}

func NewAppointmentStore() *AppointmentStore {
	return &AppointmentStore{appointments: make(map[string]Appointment)}
}

func (s *AppointmentStore) Create(customer, date, at, details string) Appointment {
	a := Appointment{
		ID:        shortID(),
		Customer:  customer,
		Date:      date,
		Time:      at,
		Details:   details,
		Status:    "confirmed",
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.appointments[a.ID] = a
	s.mu.Unlock()
	return a
}

func (s *AppointmentStore) Get(id string) (Appointment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appointments[strings.ToUpper(strings.TrimSpace(id))]
	return a, ok
}

// shortID is a caller-friendly reference that can be read out over the phone.
func shortID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
