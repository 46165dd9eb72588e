package wire

import (
	"bytes"
	"sync"

	"github.com/user/csis-coordinator/logger"
	"github.com/user/csis-coordinator/wire/att"
	"github.com/user/csis-coordinator/wire/gatt"
)

// ReadHook produces the value returned for a read of handle. A non-zero
// code is answered with an ATT Error Response instead.
type ReadHook func(l *Link, handle uint16) (value []byte, code uint8)

// WriteHook applies a write to handle and returns the ATT error code, 0 on success
type WriteHook func(l *Link, handle uint16, value []byte) uint8

// Peripheral is a GATT server. It answers discovery, reads and writes
// from its attribute database and keeps CCCD state per link.
type Peripheral struct {
	name string
	db   *gatt.AttributeDatabase

	mu           sync.Mutex
	links        map[*Link]*gatt.CCCDManager
	reads        map[uint16]ReadHook
	writes       map[uint16]WriteHook
	onDisconnect []func(*Link)
}

// NewPeripheral serves db under name
func NewPeripheral(name string, db *gatt.AttributeDatabase) *Peripheral {
	return &Peripheral{
		name:   name,
		db:     db,
		links:  make(map[*Link]*gatt.CCCDManager),
		reads:  make(map[uint16]ReadHook),
		writes: make(map[uint16]WriteHook),
	}
}

func (p *Peripheral) Name() string { return p.name }

func (p *Peripheral) Database() *gatt.AttributeDatabase { return p.db }

// HandleRead routes reads of handle through fn instead of the stored value
func (p *Peripheral) HandleRead(handle uint16, fn ReadHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads[handle] = fn
}

// HandleWrite routes writes of handle through fn instead of storing the value
func (p *Peripheral) HandleWrite(handle uint16, fn WriteHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes[handle] = fn
}

// OnDisconnect registers fn to run after a link goes away
func (p *Peripheral) OnDisconnect(fn func(*Link)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDisconnect = append(p.onDisconnect, fn)
}

// Links returns the connected links
func (p *Peripheral) Links() []*Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	links := make([]*Link, 0, len(p.links))
	for l := range p.links {
		links = append(links, l)
	}
	return links
}

// Notify sends value to every link except one that enabled notifications
// or indications on valueHandle, and returns how many were sent.
// Indications are not held back waiting for the previous confirmation.
func (p *Peripheral) Notify(valueHandle uint16, value []byte, except *Link) int {
	p.mu.Lock()
	targets := make(map[*Link]*gatt.CCCDManager, len(p.links))
	for l, cm := range p.links {
		targets[l] = cm
	}
	p.mu.Unlock()

	sent := 0
	for l, cm := range targets {
		if l == except {
			continue
		}

		var pkt att.Packet
		switch {
		case cm.IsNotifyEnabled(valueHandle):
			pkt = &att.HandleValueNotification{Handle: valueHandle, Value: value}
		case cm.IsIndicateEnabled(valueHandle):
			pkt = &att.HandleValueIndication{Handle: valueHandle, Value: value}
		default:
			continue
		}
		if err := l.server.send(pkt); err != nil {
			logger.Debug(l.prefix(), "notify 0x%04X: %v", valueHandle, err)
			continue
		}
		sent++
	}
	return sent
}

func (p *Peripheral) attach(l *Link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.links[l] = gatt.NewCCCDManager()
}

func (p *Peripheral) detach(l *Link) {
	p.mu.Lock()
	cm, ok := p.links[l]
	delete(p.links, l)
	hooks := append([]func(*Link){}, p.onDisconnect...)
	p.mu.Unlock()

	if !ok {
		return
	}
	cm.Clear()
	for _, fn := range hooks {
		fn(l)
	}
}

func (p *Peripheral) cccd(l *Link) *gatt.CCCDManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cm, ok := p.links[l]; ok {
		return cm
	}
	// link already detached; state written here goes nowhere
	return gatt.NewCCCDManager()
}

func (p *Peripheral) readHook(handle uint16) ReadHook {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads[handle]
}

func (p *Peripheral) writeHook(handle uint16) WriteHook {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes[handle]
}

// handle answers one PDU from the client of l
func (p *Peripheral) handle(l *Link, pkt att.Packet) {
	resp := p.serve(l, pkt)
	if resp == nil {
		return
	}
	if err := l.server.send(resp); err != nil {
		logger.Warn(l.prefix(), "❌ [%s] respond to %s: %v", RolePeripheral, att.OpcodeName(pkt.Opcode()), err)
	}
}

func errorResponse(opcode uint8, handle uint16, code uint8) *att.ErrorResponse {
	return &att.ErrorResponse{RequestOpcode: opcode, Handle: handle, ErrorCode: code}
}

func (p *Peripheral) serve(l *Link, pkt att.Packet) att.Packet {
	switch r := pkt.(type) {
	case *att.ExchangeMTURequest:
		l.setMTU(int(r.ClientRxMTU), MaxMTU)
		return &att.ExchangeMTUResponse{ServerRxMTU: MaxMTU}

	case *att.ReadByGroupTypeRequest:
		return p.readByGroupType(l, r)

	case *att.ReadByTypeRequest:
		return p.readByType(l, r)

	case *att.FindInformationRequest:
		return p.findInformation(l, r)

	case *att.ReadRequest:
		return p.read(l, r)

	case *att.WriteRequest:
		if code := p.write(l, r.Handle, r.Value); code != att.ErrSuccess {
			return errorResponse(att.OpWriteRequest, r.Handle, code)
		}
		return &att.WriteResponse{}

	case *att.WriteCommand:
		if code := p.write(l, r.Handle, r.Value); code != att.ErrSuccess {
			logger.Debug(l.prefix(), "write command on 0x%04X ignored: %s", r.Handle, att.CodeName(code))
		}
		return nil

	case *att.HandleValueConfirmation:
		return nil

	default:
		if att.IsRequest(pkt.Opcode()) {
			return errorResponse(pkt.Opcode(), 0, att.ErrRequestNotSupported)
		}
		logger.Warn(l.prefix(), "⚠️  [%s] unexpected %s", RolePeripheral, att.OpcodeName(pkt.Opcode()))
		return nil
	}
}

func validRange(start, end uint16) bool {
	return start != 0 && start <= end
}

func (p *Peripheral) readByGroupType(l *Link, r *att.ReadByGroupTypeRequest) att.Packet {
	if !validRange(r.StartHandle, r.EndHandle) {
		return errorResponse(r.Opcode(), r.StartHandle, att.ErrInvalidHandle)
	}
	if !bytes.Equal(r.Type, gatt.UUIDPrimaryService) {
		return errorResponse(r.Opcode(), r.StartHandle, att.ErrUnsupportedGroupType)
	}

	services := gatt.DiscoverServicesFromDatabase(p.db, r.StartHandle, r.EndHandle)
	if len(services) == 0 {
		return errorResponse(r.Opcode(), r.StartHandle, att.ErrAttributeNotFound)
	}
	resp, err := gatt.BuildReadByGroupTypeResponse(services, l.MTU())
	if err != nil {
		return errorResponse(r.Opcode(), r.StartHandle, att.ErrUnlikelyError)
	}
	return resp
}

func (p *Peripheral) readByType(l *Link, r *att.ReadByTypeRequest) att.Packet {
	if !validRange(r.StartHandle, r.EndHandle) {
		return errorResponse(r.Opcode(), r.StartHandle, att.ErrInvalidHandle)
	}
	if !bytes.Equal(r.Type, gatt.UUIDCharacteristic) {
		return errorResponse(r.Opcode(), r.StartHandle, att.ErrRequestNotSupported)
	}

	chars := gatt.DiscoverCharacteristicsFromDatabase(p.db, r.StartHandle, r.EndHandle)
	if len(chars) == 0 {
		return errorResponse(r.Opcode(), r.StartHandle, att.ErrAttributeNotFound)
	}
	resp, err := gatt.BuildReadByTypeResponse(chars, l.MTU())
	if err != nil {
		return errorResponse(r.Opcode(), r.StartHandle, att.ErrUnlikelyError)
	}
	return resp
}

func (p *Peripheral) findInformation(l *Link, r *att.FindInformationRequest) att.Packet {
	if !validRange(r.StartHandle, r.EndHandle) {
		return errorResponse(r.Opcode(), r.StartHandle, att.ErrInvalidHandle)
	}

	descs := gatt.DiscoverDescriptorsFromDatabase(p.db, r.StartHandle, r.EndHandle)
	if len(descs) == 0 {
		return errorResponse(r.Opcode(), r.StartHandle, att.ErrAttributeNotFound)
	}
	resp, err := gatt.BuildFindInformationResponse(descs, l.MTU())
	if err != nil {
		return errorResponse(r.Opcode(), r.StartHandle, att.ErrUnlikelyError)
	}
	return resp
}

func (p *Peripheral) read(l *Link, r *att.ReadRequest) att.Packet {
	attr, err := p.db.GetAttribute(r.Handle)
	if err != nil {
		return errorResponse(r.Opcode(), r.Handle, att.ErrInvalidHandle)
	}

	value := attr.Value
	switch {
	case bytes.Equal(attr.Type, gatt.UUIDClientCharacteristicConfig):
		valueHandle, _, ok := p.db.CharacteristicOf(r.Handle)
		if !ok {
			return errorResponse(r.Opcode(), r.Handle, att.ErrUnlikelyError)
		}
		value = p.cccd(l).Value(valueHandle)

	case attr.Permissions&gatt.PermReadable == 0:
		return errorResponse(r.Opcode(), r.Handle, att.ErrReadNotPermitted)

	default:
		if hook := p.readHook(r.Handle); hook != nil {
			var code uint8
			if value, code = hook(l, r.Handle); code != att.ErrSuccess {
				return errorResponse(r.Opcode(), r.Handle, code)
			}
		}
	}

	// a Read Response carries at most ATT_MTU-1 bytes
	if limit := l.MTU() - 1; len(value) > limit {
		value = value[:limit]
	}
	return &att.ReadResponse{Value: value}
}

func (p *Peripheral) write(l *Link, handle uint16, value []byte) uint8 {
	attr, err := p.db.GetAttribute(handle)
	if err != nil {
		return att.ErrInvalidHandle
	}

	if bytes.Equal(attr.Type, gatt.UUIDClientCharacteristicConfig) {
		return p.writeCCCD(l, handle, value)
	}
	if attr.Permissions&gatt.PermWritable == 0 {
		return att.ErrWriteNotPermitted
	}
	if hook := p.writeHook(handle); hook != nil {
		return hook(l, handle, value)
	}
	if err := p.db.SetAttributeValue(handle, value); err != nil {
		return att.ErrUnlikelyError
	}
	return att.ErrSuccess
}

func (p *Peripheral) writeCCCD(l *Link, handle uint16, value []byte) uint8 {
	valueHandle, properties, ok := p.db.CharacteristicOf(handle)
	if !ok {
		return att.ErrUnlikelyError
	}
	notify, indicate, err := gatt.DecodeCCCDValue(value)
	if err != nil {
		return att.ErrInvalidAttributeValueLength
	}
	if (notify && properties&gatt.PropNotify == 0) || (indicate && properties&gatt.PropIndicate == 0) {
		return att.ErrCCCDImproperlyConfigured
	}

	if err := p.cccd(l).SetSubscription(valueHandle, value); err != nil {
		return att.ErrInvalidAttributeValueLength
	}
	logger.Debug(l.prefix(), "🔔 [%s] CCCD 0x%04X for 0x%04X = %x", RolePeripheral, handle, valueHandle, value)
	return att.ErrSuccess
}
