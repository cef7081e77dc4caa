package gatt

// A Service is a BLE service.
// Calls to AddCharacteristic must occur before the
// service is published by a device.
type Service struct {
	uuid  UUID
	chars []*Characteristic
}

// NewService creates an empty service.
func NewService(u UUID) *Service {
	return &Service{uuid: u}
}

// AddCharacteristic adds a characteristic to a service.
// AddCharacteristic panics if the service already contains
// another characteristic with the same UUID.
func (s *Service) AddCharacteristic(u UUID) *Characteristic {
	for _, char := range s.chars {
		if char.uuid.Equal(u) {
			panic("service already contains a characteristic with uuid " + u.String())
		}
	}

	char := &Characteristic{
		service: s,
		uuid:    u,
	}
	s.chars = append(s.chars, char)
	return char
}

// Characteristics returns the service's characteristics in the order added.
func (s *Service) Characteristics() []*Characteristic {
	return s.chars
}

// Characteristic returns the characteristic with UUID u, if any.
func (s *Service) Characteristic(u UUID) (*Characteristic, bool) {
	for _, c := range s.chars {
		if c.uuid.Equal(u) {
			return c, true
		}
	}
	return nil, false
}

// UUID returns the service's UUID.
func (s *Service) UUID() UUID {
	return s.uuid
}
