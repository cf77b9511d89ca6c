package connection

// Event is published on the connection bus
type Event interface {
	Connection() *Connection
}

// EstablishedEvent follows a successful dial
type EstablishedEvent struct {
	Conn *Connection
}

// Connection returns the established connection
func (e EstablishedEvent) Connection() *Connection { return e.Conn }

// LostEvent follows an unexpected end of an established connection
type LostEvent struct {
	Conn *Connection
	Err  error
}

// Connection returns the lost connection
func (e LostEvent) Connection() *Connection { return e.Conn }

// ClosedEvent follows a deliberate close of an established connection
type ClosedEvent struct {
	Conn *Connection
}

// Connection returns the closed connection
func (e ClosedEvent) Connection() *Connection { return e.Conn }
