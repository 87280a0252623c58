package mideej

import (
	"fmt"
	"net"
	"strconv"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// paSystemAudio speaks the PulseAudio native protocol. Sinks and sources map
// to endpoints, sink inputs to sessions. Peak metering is unavailable without
// opening a monitor record stream per entity, which this backend deliberately
// avoids; peaks read as 0 here
type paSystemAudio struct {
	logger *zap.SugaredLogger

	client *proto.Client
	conn   net.Conn

	events chan deviceEvent
}

const maxPulseVolume = 0x10000

func newSystemAudio(logger *zap.SugaredLogger) (systemAudio, error) {
	client, conn, err := proto.Connect("")
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("mideej"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set PulseAudio client name: %w", err)
	}

	sa := &paSystemAudio{
		logger: logger.Named("pulse"),
		client: client,
		conn:   conn,
		events: make(chan deviceEvent, 16),
	}

	// subscribe to sink/source/sink-input lifecycle events; the endpoint
	// directory treats them all as "go re-enumerate now"
	err = client.Request(&proto.Subscribe{
		Mask: proto.SubscriptionMaskSink | proto.SubscriptionMaskSource | proto.SubscriptionMaskSinkInput,
	}, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe to PulseAudio events: %w", err)
	}

	client.Callback = func(msg interface{}) {
		switch msg := msg.(type) {
		case *proto.SubscribeEvent:
			kind := deviceAdded
			if msg.Event.GetType() == proto.EventRemove {
				kind = deviceRemoved
			}

			select {
			case sa.events <- deviceEvent{kind: kind, endpointID: strconv.Itoa(int(msg.Index))}:
			default:
			}
		}
	}

	sa.logger.Debug("Created PulseAudio system audio instance")
	return sa, nil
}

func (sa *paSystemAudio) Events() <-chan deviceEvent {
	return sa.events
}

func (sa *paSystemAudio) Release() error {
	if err := sa.conn.Close(); err != nil {
		sa.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	sa.logger.Debug("Released PulseAudio system audio instance")
	return nil
}

func (sa *paSystemAudio) Endpoints() ([]natEndpoint, error) {
	var endpoints []natEndpoint

	sinks := proto.GetSinkInfoListReply{}
	if err := sa.client.Request(&proto.GetSinkInfoList{}, &sinks); err != nil {
		sa.logger.Warnw("Failed to get sink list", "error", err)
		return nil, fmt.Errorf("get sink list: %w", err)
	}

	for _, info := range sinks {
		endpoints = append(endpoints, &paEndpoint{
			sys:      sa,
			index:    info.SinkIndex,
			name:     info.Device,
			flow:     FlowRender,
			channels: info.Channels,
		})
	}

	sources := proto.GetSourceInfoListReply{}
	if err := sa.client.Request(&proto.GetSourceInfoList{}, &sources); err != nil {
		sa.logger.Warnw("Failed to get source list", "error", err)
		return endpoints, nil
	}

	for _, info := range sources {
		endpoints = append(endpoints, &paEndpoint{
			sys:      sa,
			index:    info.SourceIndex,
			name:     info.Device,
			flow:     FlowCapture,
			channels: info.Channels,
		})
	}

	return endpoints, nil
}

func (sa *paSystemAudio) DefaultEndpoint(flow DataFlow) (natEndpoint, error) {
	if flow == FlowRender {
		reply := proto.GetSinkInfoReply{}
		if err := sa.client.Request(&proto.GetSinkInfo{SinkIndex: proto.Undefined}, &reply); err != nil {
			return nil, fmt.Errorf("get default sink info: %w", err)
		}

		return &paEndpoint{
			sys:      sa,
			index:    reply.SinkIndex,
			name:     reply.Device,
			flow:     FlowRender,
			channels: reply.Channels,
		}, nil
	}

	reply := proto.GetSourceInfoReply{}
	if err := sa.client.Request(&proto.GetSourceInfo{SourceIndex: proto.Undefined}, &reply); err != nil {
		return nil, fmt.Errorf("get default source info: %w", err)
	}

	return &paEndpoint{
		sys:      sa,
		index:    reply.SourceIndex,
		name:     reply.Device,
		flow:     FlowCapture,
		channels: reply.Channels,
	}, nil
}

type paEndpoint struct {
	sys      *paSystemAudio
	index    uint32
	name     string
	flow     DataFlow
	channels byte
}

func (e *paEndpoint) ID() string {
	prefix := "sink"
	if e.flow == FlowCapture {
		prefix = "source"
	}
	return prefix + "-" + strconv.Itoa(int(e.index))
}

func (e *paEndpoint) Name() string   { return e.name }
func (e *paEndpoint) Flow() DataFlow { return e.flow }

func (e *paEndpoint) Volume() (float32, error) {
	if e.flow == FlowCapture {
		reply := proto.GetSourceInfoReply{}
		if err := e.sys.client.Request(&proto.GetSourceInfo{SourceIndex: e.index}, &reply); err != nil {
			return 0, fmt.Errorf("get source info: %w", err)
		}
		return volumeFromChannels(reply.ChannelVolumes), nil
	}

	reply := proto.GetSinkInfoReply{}
	if err := e.sys.client.Request(&proto.GetSinkInfo{SinkIndex: e.index}, &reply); err != nil {
		return 0, fmt.Errorf("get sink info: %w", err)
	}
	return volumeFromChannels(reply.ChannelVolumes), nil
}

func (e *paEndpoint) SetVolume(level float32) error {
	volumes := createChannelVolumes(e.channels, clampLevel(level))

	if e.flow == FlowCapture {
		if err := e.sys.client.Request(&proto.SetSourceVolume{
			SourceIndex:    e.index,
			ChannelVolumes: volumes,
		}, nil); err != nil {
			return fmt.Errorf("set source volume: %w", err)
		}
		return nil
	}

	if err := e.sys.client.Request(&proto.SetSinkVolume{
		SinkIndex:      e.index,
		ChannelVolumes: volumes,
	}, nil); err != nil {
		return fmt.Errorf("set sink volume: %w", err)
	}
	return nil
}

func (e *paEndpoint) Muted() (bool, error) {
	if e.flow == FlowCapture {
		reply := proto.GetSourceInfoReply{}
		if err := e.sys.client.Request(&proto.GetSourceInfo{SourceIndex: e.index}, &reply); err != nil {
			return false, fmt.Errorf("get source info: %w", err)
		}
		return reply.Mute, nil
	}

	reply := proto.GetSinkInfoReply{}
	if err := e.sys.client.Request(&proto.GetSinkInfo{SinkIndex: e.index}, &reply); err != nil {
		return false, fmt.Errorf("get sink info: %w", err)
	}
	return reply.Mute, nil
}

func (e *paEndpoint) SetMute(muted bool) error {
	if e.flow == FlowCapture {
		if err := e.sys.client.Request(&proto.SetSourceMute{SourceIndex: e.index, Mute: muted}, nil); err != nil {
			return fmt.Errorf("set source mute: %w", err)
		}
		return nil
	}

	if err := e.sys.client.Request(&proto.SetSinkMute{SinkIndex: e.index, Mute: muted}, nil); err != nil {
		return fmt.Errorf("set sink mute: %w", err)
	}
	return nil
}

// no monitor streams, no peaks on this backend
func (e *paEndpoint) PeakLevel() (float32, error) {
	return 0, nil
}

func (e *paEndpoint) Sessions() ([]natSession, error) {
	if e.flow != FlowRender {
		return nil, nil
	}

	reply := proto.GetSinkInputInfoListReply{}
	if err := e.sys.client.Request(&proto.GetSinkInputInfoList{}, &reply); err != nil {
		return nil, fmt.Errorf("get sink input list: %w", err)
	}

	var sessions []natSession

	for _, info := range reply {
		if info.SinkIndex != e.index {
			continue
		}

		name := ""
		if prop, ok := info.Properties["application.process.binary"]; ok {
			name = prop.String()
		}

		pid := uint32(0)
		if prop, ok := info.Properties["application.process.id"]; ok {
			if parsed, err := strconv.ParseUint(prop.String(), 10, 32); err == nil {
				pid = uint32(parsed)
			}
		}

		sessions = append(sessions, &paSession{
			sys:         e.sys,
			index:       info.SinkInputIndex,
			pid:         pid,
			processName: name,
			channels:    info.Channels,
		})
	}

	return sessions, nil
}

func (e *paEndpoint) Release() {}

type paSession struct {
	sys         *paSystemAudio
	index       uint32
	pid         uint32
	processName string
	channels    byte
}

func (s *paSession) ProcessID() (uint32, error) {
	if s.pid == 0 {
		return 0, fmt.Errorf("sink input %d carries no process id", s.index)
	}
	return s.pid, nil
}

func (s *paSession) InstanceID() string {
	return strconv.Itoa(int(s.index))
}

func (s *paSession) DisplayName() string {
	return s.processName
}

func (s *paSession) Volume() (float32, error) {
	reply := proto.GetSinkInputInfoReply{}
	if err := s.sys.client.Request(&proto.GetSinkInputInfo{SinkInputIndex: s.index}, &reply); err != nil {
		return 0, fmt.Errorf("get sink input info: %w", err)
	}
	return volumeFromChannels(reply.ChannelVolumes), nil
}

func (s *paSession) SetVolume(level float32) error {
	if err := s.sys.client.Request(&proto.SetSinkInputVolume{
		SinkInputIndex: s.index,
		ChannelVolumes: createChannelVolumes(s.channels, clampLevel(level)),
	}, nil); err != nil {
		return fmt.Errorf("set sink input volume: %w", err)
	}
	return nil
}

func (s *paSession) Muted() (bool, error) {
	reply := proto.GetSinkInputInfoReply{}
	if err := s.sys.client.Request(&proto.GetSinkInputInfo{SinkInputIndex: s.index}, &reply); err != nil {
		return false, fmt.Errorf("get sink input info: %w", err)
	}
	return reply.Muted, nil
}

func (s *paSession) SetMute(muted bool) error {
	if err := s.sys.client.Request(&proto.SetSinkInputMute{SinkInputIndex: s.index, Mute: muted}, nil); err != nil {
		return fmt.Errorf("set sink input mute: %w", err)
	}
	return nil
}

func (s *paSession) PeakLevel() (float32, error) {
	return 0, nil
}

func (s *paSession) Release() {}

func createChannelVolumes(channels byte, volume float32) []uint32 {
	volumes := make([]uint32, channels)

	for i := range volumes {
		volumes[i] = uint32(volume * maxPulseVolume)
	}

	return volumes
}

func volumeFromChannels(volumes proto.ChannelVolumes) float32 {
	if len(volumes) == 0 {
		return 0
	}

	max := volumes[0]
	for _, v := range volumes[1:] {
		if v > max {
			max = v
		}
	}

	return clampLevel(float32(max) / maxPulseVolume)
}
