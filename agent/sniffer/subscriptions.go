package sniffer

import "sync"

// ClientID identifies one subscriber of the sniffer's command channel.
type ClientID uint64

// subscriptions is the many-to-many client<->port relation (spec §3
// "Port-subscription table"). Mutating methods report whether the
// overall topic set changed, so the caller only reprograms the BPF
// filter on an actual change (spec §4.8: "recomputed only when the
// subscription set actually changes").
type subscriptions struct {
	mu        sync.Mutex
	byClient  map[ClientID]map[uint16]struct{}
	portCount map[uint16]int
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		byClient:  make(map[ClientID]map[uint16]struct{}),
		portCount: make(map[uint16]int),
	}
}

// subscribe adds port for client. Returns true if this is the first
// subscriber of port, i.e. the topic set grew.
func (s *subscriptions) subscribe(client ClientID, port uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ports, ok := s.byClient[client]
	if !ok {
		ports = make(map[uint16]struct{})
		s.byClient[client] = ports
	}
	if _, already := ports[port]; already {
		return false
	}
	ports[port] = struct{}{}

	s.portCount[port]++
	return s.portCount[port] == 1
}

// unsubscribe removes port for client. Returns true if that was the last
// subscriber of port, i.e. the topic set shrank.
func (s *subscriptions) unsubscribe(client ClientID, port uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(client, port)
}

func (s *subscriptions) removeLocked(client ClientID, port uint16) bool {
	ports, ok := s.byClient[client]
	if !ok {
		return false
	}
	if _, ok := ports[port]; !ok {
		return false
	}
	delete(ports, port)
	if len(ports) == 0 {
		delete(s.byClient, client)
	}

	s.portCount[port]--
	if s.portCount[port] <= 0 {
		delete(s.portCount, port)
		return true
	}
	return false
}

// removeClient drops every subscription a client held (implicit
// ClientClosed, spec §4.8). Returns true if the topic set shrank.
func (s *subscriptions) removeClient(client ClientID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ports, ok := s.byClient[client]
	if !ok {
		return false
	}

	changed := false
	for port := range ports {
		s.portCount[port]--
		if s.portCount[port] <= 0 {
			delete(s.portCount, port)
			changed = true
		}
	}
	delete(s.byClient, client)
	return changed
}

// topics returns the exact set of currently subscribed ports (spec §3:
// "the set of topics exactly drives the BPF filter").
func (s *subscriptions) topics() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ports := make([]uint16, 0, len(s.portCount))
	for port := range s.portCount {
		ports = append(ports, port)
	}
	return ports
}

// subscribersOf returns the clients currently subscribed to port.
func (s *subscriptions) subscribersOf(port uint16) []ClientID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var clients []ClientID
	for client, ports := range s.byClient {
		if _, ok := ports[port]; ok {
			clients = append(clients, client)
		}
	}
	return clients
}
