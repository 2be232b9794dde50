// Package proto holds the protocol buffer messages exchanged between nodes over
// the cluster bus. The types mirror bus.proto.
package proto

import (
	pb "github.com/gogo/protobuf/proto"
)

type BusMessage struct {
	Topic              string   `protobuf:"bytes,1,opt,name=topic,proto3" json:"topic,omitempty"`
	Action             string   `protobuf:"bytes,2,opt,name=action,proto3" json:"action,omitempty"`
	Data               []string `protobuf:"bytes,3,rep,name=data,proto3" json:"data,omitempty"`
	Raw                string   `protobuf:"bytes,4,opt,name=raw,proto3" json:"raw,omitempty"`
	OriginalTopic      string   `protobuf:"bytes,5,opt,name=original_topic,json=originalTopic,proto3" json:"original_topic,omitempty"`
	RemotePrivateTopic string   `protobuf:"bytes,6,opt,name=remote_private_topic,json=remotePrivateTopic,proto3" json:"remote_private_topic,omitempty"`
	Origin             string   `protobuf:"bytes,7,opt,name=origin,proto3" json:"origin,omitempty"`
}

func (m *BusMessage) Reset()         { *m = BusMessage{} }
func (m *BusMessage) String() string { return pb.CompactTextString(m) }
func (*BusMessage) ProtoMessage()    {}

func (m *BusMessage) GetTopic() string {
	if m != nil {
		return m.Topic
	}
	return ""
}

func (m *BusMessage) GetAction() string {
	if m != nil {
		return m.Action
	}
	return ""
}

func (m *BusMessage) GetData() []string {
	if m != nil {
		return m.Data
	}
	return nil
}

func (m *BusMessage) GetOrigin() string {
	if m != nil {
		return m.Origin
	}
	return ""
}

func init() {
	pb.RegisterType((*BusMessage)(nil), "rtrpc.BusMessage")
}
