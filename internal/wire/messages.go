// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

// Discovery protocol messages, encoded/decoded onto the frame primitives
// in frame.go.
package wire

import "github.com/USA-RedDragon/fabric/internal/socket"

// MsgID identifies a discovery protocol message.
type MsgID uint16

const (
	MsgRegister      MsgID = 0x0001
	MsgRegisterAck   MsgID = 0x0002
	MsgUnregister    MsgID = 0x0003
	MsgHeartbeat     MsgID = 0x0004
	MsgServiceList   MsgID = 0x0005
	MsgRegistrySync  MsgID = 0x0006
	MsgUpdateWeight  MsgID = 0x0007
)

// ProviderRecord is one (endpoint, routing-id, weight) triple carried inside
// a SERVICE_LIST/REGISTRY_SYNC payload.
type ProviderRecord struct {
	Endpoint  string
	RoutingID RoutingID
	Weight    uint32
}

// ServiceRecord is one service name and its provider records.
type ServiceRecord struct {
	Name      string
	Providers []ProviderRecord
}

// ServiceList is the decoded SERVICE_LIST / REGISTRY_SYNC payload.
type ServiceList struct {
	RegistryID uint32
	ListSeq    uint64
	Services   []ServiceRecord
}

// SendRegister writes a REGISTER message: service, endpoint, optional weight.
func SendRegister(s socket.Socket, service, endpoint string, weight uint32) error {
	if err := SendU16(s, uint16(MsgRegister), socket.FlagMore); err != nil {
		return err
	}
	if err := SendString(s, service, socket.FlagMore); err != nil {
		return err
	}
	if err := SendString(s, endpoint, socket.FlagMore); err != nil {
		return err
	}
	return SendU32(s, weight, socket.FlagNone)
}

// RegisterAck is the decoded REGISTER_ACK / UPDATE_WEIGHT-ack payload.
type RegisterAck struct {
	Status   uint8
	Endpoint string
	Error    string
}

// SendRegisterAck writes a REGISTER_ACK reply.
func SendRegisterAck(s socket.Socket, status uint8, endpoint, errMsg string) error {
	if err := SendU16(s, uint16(MsgRegisterAck), socket.FlagMore); err != nil {
		return err
	}
	if err := s.Send([]byte{status}, socket.FlagMore); err != nil {
		return err
	}
	if err := SendString(s, endpoint, socket.FlagMore); err != nil {
		return err
	}
	return SendString(s, errMsg, socket.FlagNone)
}

// DecodeRegisterAck decodes the frames following the msg-id frame of a
// REGISTER_ACK message.
func DecodeRegisterAck(frames [][]byte) (RegisterAck, bool) {
	if len(frames) != 3 || len(frames[0]) != 1 {
		return RegisterAck{}, false
	}
	return RegisterAck{
		Status:   frames[0][0],
		Endpoint: ReadString(frames[1]),
		Error:    ReadString(frames[2]),
	}, true
}

// SendUnregister writes an UNREGISTER message: service, endpoint.
func SendUnregister(s socket.Socket, service, endpoint string) error {
	if err := SendU16(s, uint16(MsgUnregister), socket.FlagMore); err != nil {
		return err
	}
	if err := SendString(s, service, socket.FlagMore); err != nil {
		return err
	}
	return SendString(s, endpoint, socket.FlagNone)
}

// SendHeartbeat writes a HEARTBEAT message: service, endpoint.
func SendHeartbeat(s socket.Socket, service, endpoint string) error {
	if err := SendU16(s, uint16(MsgHeartbeat), socket.FlagMore); err != nil {
		return err
	}
	if err := SendString(s, service, socket.FlagMore); err != nil {
		return err
	}
	return SendString(s, endpoint, socket.FlagNone)
}

// SendUpdateWeight writes an UPDATE_WEIGHT message: service, endpoint, weight.
func SendUpdateWeight(s socket.Socket, service, endpoint string, weight uint32) error {
	if err := SendU16(s, uint16(MsgUpdateWeight), socket.FlagMore); err != nil {
		return err
	}
	if err := SendString(s, service, socket.FlagMore); err != nil {
		return err
	}
	if err := SendString(s, endpoint, socket.FlagMore); err != nil {
		return err
	}
	return SendU32(s, weight, socket.FlagNone)
}

// DecodeServiceOp decodes the (service, endpoint[, weight]) frames shared by
// REGISTER/UNREGISTER/HEARTBEAT/UPDATE_WEIGHT. weight is 0 if the message
// carries no weight frame (HEARTBEAT/UNREGISTER) or the frame is absent.
func DecodeServiceOp(frames [][]byte) (service, endpoint string, weight uint32, ok bool) {
	if len(frames) < 2 {
		return "", "", 0, false
	}
	service = ReadString(frames[0])
	endpoint = ReadString(frames[1])
	if service == "" || endpoint == "" {
		return "", "", 0, false
	}
	if len(frames) >= 3 {
		if w, wok := ReadU32(frames[2]); wok {
			weight = w
		}
	}
	return service, endpoint, weight, true
}

// SendServiceList writes a SERVICE_LIST or REGISTRY_SYNC payload in one
// pass, so callers holding the socket's send section get an atomic
// multi-frame message.
func SendServiceList(s socket.Socket, id MsgID, list ServiceList) error {
	if err := SendU16(s, uint16(id), socket.FlagMore); err != nil {
		return err
	}
	if err := SendU32(s, list.RegistryID, socket.FlagMore); err != nil {
		return err
	}
	if err := SendU64(s, list.ListSeq, socket.FlagMore); err != nil {
		return err
	}
	last := len(list.Services) == 0
	if err := SendU32(s, uint32(len(list.Services)), flagIfNotLast(last)); err != nil {
		return err
	}
	for si, svc := range list.Services {
		lastSvc := last || si == len(list.Services)-1
		if err := SendString(s, svc.Name, socket.FlagMore); err != nil {
			return err
		}
		// The provider-count frame terminates the message when the final
		// service carries no providers.
		if err := SendU32(s, uint32(len(svc.Providers)), flagIfNotLast(lastSvc && len(svc.Providers) == 0)); err != nil {
			return err
		}
		for pi, p := range svc.Providers {
			finalFrame := lastSvc && pi == len(svc.Providers)-1
			if err := SendString(s, p.Endpoint, socket.FlagMore); err != nil {
				return err
			}
			if err := SendRoutingID(s, p.RoutingID, socket.FlagMore); err != nil {
				return err
			}
			if err := SendU32(s, p.Weight, flagIfNotLast(finalFrame)); err != nil {
				return err
			}
		}
	}
	return nil
}

func flagIfNotLast(isLast bool) socket.Flag {
	if isLast {
		return socket.FlagNone
	}
	return socket.FlagMore
}

// DecodeServiceList decodes the frames following the msg-id frame of a
// SERVICE_LIST/REGISTRY_SYNC message.
func DecodeServiceList(frames [][]byte) (ServiceList, bool) {
	if len(frames) < 3 {
		return ServiceList{}, false
	}
	regID, ok := ReadU32(frames[0])
	if !ok {
		return ServiceList{}, false
	}
	seq, ok := ReadU64(frames[1])
	if !ok {
		return ServiceList{}, false
	}
	nServices, ok := ReadU32(frames[2])
	if !ok {
		return ServiceList{}, false
	}
	idx := 3
	list := ServiceList{RegistryID: regID, ListSeq: seq}
	for i := uint32(0); i < nServices; i++ {
		if idx+1 >= len(frames) {
			return ServiceList{}, false
		}
		name := ReadString(frames[idx])
		nProviders, ok := ReadU32(frames[idx+1])
		if !ok {
			return ServiceList{}, false
		}
		idx += 2
		svc := ServiceRecord{Name: name}
		for j := uint32(0); j < nProviders; j++ {
			if idx+2 >= len(frames) {
				return ServiceList{}, false
			}
			endpoint := ReadString(frames[idx])
			rid := ReadRoutingID(frames[idx+1])
			weight, ok := ReadU32(frames[idx+2])
			if !ok {
				return ServiceList{}, false
			}
			idx += 3
			svc.Providers = append(svc.Providers, ProviderRecord{Endpoint: endpoint, RoutingID: rid, Weight: weight})
		}
		list.Services = append(list.Services, svc)
	}
	return list, true
}
