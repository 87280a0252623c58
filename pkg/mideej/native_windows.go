package mideej

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unsafe"

	"github.com/diegosz/go-wca/pkg/wca"
	"github.com/go-ole/go-ole"
	"go.uber.org/zap"
)

type wcaSystemAudio struct {
	logger *zap.SugaredLogger

	eventCtx *ole.GUID // needed for some volume calls to successfully notify other audio consumers

	mmDeviceEnumerator      *wca.IMMDeviceEnumerator
	mmNotificationClient    *wca.IMMNotificationClient
	lastDefaultDeviceChange time.Time

	events chan deviceEvent
}

const (
	wcaEventCtxGUID = "{c17b3cb4-81f5-4b8d-a8f8-44ae24e5d9a2}"

	// the notification client fires multiple times in quick succession based
	// on the default device's assigned media roles; coalesce them
	minDefaultDeviceChangeThreshold = 100 * time.Millisecond

	// undocumented AUDCLNT_S_NO_CURRENT_PROCESS returned by GetProcessId for
	// the system sounds session (and, since win10, for UWP app sessions,
	// where the out param is still filled in correctly)
	noCurrentProcessErrCode = "143196173"
)

func newSystemAudio(logger *zap.SugaredLogger) (systemAudio, error) {
	sa := &wcaSystemAudio{
		logger:   logger.Named("wca"),
		eventCtx: ole.NewGUID(wcaEventCtxGUID),
		events:   make(chan deviceEvent, 16),
	}

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		// E_FALSE means that the call was redundant.
		const eFalse = 1
		oleError := &ole.OleError{}

		if errors.As(err, &oleError) && oleError.Code() == eFalse {
			sa.logger.Warn("CoInitializeEx failed with E_FALSE due to redundant invocation")
		} else {
			sa.logger.Warnw("Failed to call CoInitializeEx", "error", err)
			return nil, fmt.Errorf("call CoInitializeEx: %w", err)
		}
	}

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&sa.mmDeviceEnumerator,
	); err != nil {
		sa.logger.Warnw("Failed to call CoCreateInstance", "error", err)
		return nil, fmt.Errorf("call CoCreateInstance: %w", err)
	}

	if err := sa.registerDeviceNotifications(); err != nil {
		sa.logger.Warnw("Failed to register device notification callback", "error", err)
		return nil, fmt.Errorf("register device notification callback: %w", err)
	}

	sa.logger.Debug("Created WCA system audio instance")
	return sa, nil
}

func (sa *wcaSystemAudio) Events() <-chan deviceEvent {
	return sa.events
}

func (sa *wcaSystemAudio) Release() error {
	if sa.mmNotificationClient != nil {
		_ = sa.mmDeviceEnumerator.UnregisterEndpointNotificationCallback(sa.mmNotificationClient)
	}

	if sa.mmDeviceEnumerator != nil {
		sa.mmDeviceEnumerator.Release()
	}

	ole.CoUninitialize()

	sa.logger.Debug("Released WCA system audio instance")
	return nil
}

func (sa *wcaSystemAudio) Endpoints() ([]natEndpoint, error) {
	var deviceCollection *wca.IMMDeviceCollection

	if err := sa.mmDeviceEnumerator.EnumAudioEndpoints(wca.EAll, wca.DEVICE_STATE_ACTIVE, &deviceCollection); err != nil {
		sa.logger.Warnw("Failed to enumerate active audio endpoints", "error", err)
		return nil, fmt.Errorf("enumerate active audio endpoints: %w", err)
	}
	defer deviceCollection.Release()

	var deviceCount uint32

	if err := deviceCollection.GetCount(&deviceCount); err != nil {
		sa.logger.Warnw("Failed to get device count from device collection", "error", err)
		return nil, fmt.Errorf("get device count from device collection: %w", err)
	}

	endpoints := make([]natEndpoint, 0, deviceCount)

	for deviceIdx := uint32(0); deviceIdx < deviceCount; deviceIdx++ {
		var mmDevice *wca.IMMDevice

		if err := deviceCollection.Item(deviceIdx, &mmDevice); err != nil {
			sa.logger.Warnw("Failed to get device from device collection",
				"deviceIdx", deviceIdx,
				"error", err)
			continue
		}

		endpoint, err := sa.wrapEndpoint(mmDevice)
		if err != nil {
			sa.logger.Warnw("Failed to wrap enumerated device, skipping",
				"deviceIdx", deviceIdx,
				"error", err)

			mmDevice.Release()
			continue
		}

		endpoints = append(endpoints, endpoint)
	}

	return endpoints, nil
}

func (sa *wcaSystemAudio) DefaultEndpoint(flow DataFlow) (natEndpoint, error) {
	dataFlow := uint32(wca.ERender)
	if flow == FlowCapture {
		dataFlow = wca.ECapture
	}

	var mmDevice *wca.IMMDevice

	if err := sa.mmDeviceEnumerator.GetDefaultAudioEndpoint(dataFlow, wca.EConsole, &mmDevice); err != nil {
		return nil, fmt.Errorf("call GetDefaultAudioEndpoint: %w", err)
	}

	endpoint, err := sa.wrapEndpoint(mmDevice)
	if err != nil {
		mmDevice.Release()
		return nil, fmt.Errorf("wrap default endpoint: %w", err)
	}

	return endpoint, nil
}

// wrapEndpoint reads the device's id, friendly name and data flow once, and
// activates its volume and metering interfaces. Ownership of mmDevice
// transfers to the returned endpoint on success
func (sa *wcaSystemAudio) wrapEndpoint(mmDevice *wca.IMMDevice) (*wcaEndpoint, error) {
	var endpointID string
	if err := mmDevice.GetId(&endpointID); err != nil {
		return nil, fmt.Errorf("get endpoint id: %w", err)
	}

	friendlyName, err := sa.getEndpointFriendlyName(mmDevice)
	if err != nil {
		return nil, err
	}

	dispatch, err := mmDevice.QueryInterface(wca.IID_IMMEndpoint)
	if err != nil {
		return nil, fmt.Errorf("query endpoint IMMEndpoint: %w", err)
	}

	mmEndpoint := (*wca.IMMEndpoint)(dispatch)

	var dataFlow uint32
	if err := mmEndpoint.GetDataFlow(&dataFlow); err != nil {
		mmEndpoint.Release()
		return nil, fmt.Errorf("get endpoint data flow: %w", err)
	}
	mmEndpoint.Release()

	flow := FlowRender
	if dataFlow == wca.ECapture {
		flow = FlowCapture
	}

	var endpointVolume *wca.IAudioEndpointVolume
	if err := mmDevice.Activate(wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, nil, &endpointVolume); err != nil {
		return nil, fmt.Errorf("activate endpoint volume: %w", err)
	}

	// metering is best-effort: some virtual devices don't expose a meter
	var meter *wca.IAudioMeterInformation
	if err := mmDevice.Activate(wca.IID_IAudioMeterInformation, wca.CLSCTX_ALL, nil, &meter); err != nil {
		sa.logger.Debugw("Endpoint exposes no audio meter", "endpointID", endpointID, "error", err)
		meter = nil
	}

	return &wcaEndpoint{
		logger:         sa.logger,
		eventCtx:       sa.eventCtx,
		id:             endpointID,
		name:           friendlyName,
		flow:           flow,
		mmDevice:       mmDevice,
		endpointVolume: endpointVolume,
		meter:          meter,
	}, nil
}

func (sa *wcaSystemAudio) getEndpointFriendlyName(mmDevice *wca.IMMDevice) (string, error) {
	var propertyStore *wca.IPropertyStore

	if err := mmDevice.OpenPropertyStore(wca.STGM_READ, &propertyStore); err != nil {
		return "", fmt.Errorf("open endpoint property store: %w", err)
	}
	defer propertyStore.Release()

	value := &wca.PROPVARIANT{}

	if err := propertyStore.GetValue(&wca.PKEY_Device_FriendlyName, value); err != nil {
		return "", fmt.Errorf("get device friendly name: %w", err)
	}

	// device friendly name i.e. "Headphones (Realtek Audio)"
	return value.String(), nil
}

func (sa *wcaSystemAudio) registerDeviceNotifications() error {
	callback := wca.IMMNotificationClientCallback{
		OnDeviceAdded: func(pwstrDeviceId string) error {
			sa.publishEvent(deviceEvent{kind: deviceAdded, endpointID: pwstrDeviceId})
			return nil
		},
		OnDeviceRemoved: func(pwstrDeviceId string) error {
			sa.publishEvent(deviceEvent{kind: deviceRemoved, endpointID: pwstrDeviceId})
			return nil
		},
		OnDeviceStateChanged: func(pwstrDeviceId string, dwNewState uint32) error {
			switch dwNewState {
			case wca.DEVICE_STATE_ACTIVE:
				sa.publishEvent(deviceEvent{kind: deviceAdded, endpointID: pwstrDeviceId})
			case wca.DEVICE_STATE_DISABLED, wca.DEVICE_STATE_NOTPRESENT, wca.DEVICE_STATE_UNPLUGGED:
				sa.publishEvent(deviceEvent{kind: deviceRemoved, endpointID: pwstrDeviceId})
			}
			return nil
		},
		OnDefaultDeviceChanged: func(dataflow wca.EDataFlow, role wca.ERole, identifier string) error {
			if role == 2 { // ignore eCommunications
				return nil
			}

			// filter out calls that happen in rapid succession
			now := time.Now()
			if sa.lastDefaultDeviceChange.Add(minDefaultDeviceChangeThreshold).After(now) {
				return nil
			}
			sa.lastDefaultDeviceChange = now

			sa.logger.Debug("Default audio device changed, new id: " + identifier)
			sa.publishEvent(deviceEvent{kind: defaultDeviceChanged, endpointID: identifier})
			return nil
		},
	}

	sa.mmNotificationClient = wca.NewIMMNotificationClient(callback)

	if err := sa.mmDeviceEnumerator.RegisterEndpointNotificationCallback(sa.mmNotificationClient); err != nil {
		return fmt.Errorf("call RegisterEndpointNotificationCallback: %w", err)
	}

	return nil
}

// publishEvent never blocks the COM callback thread; a full channel just
// drops the event, the next periodic refresh will reconcile anyway
func (sa *wcaSystemAudio) publishEvent(event deviceEvent) {
	select {
	case sa.events <- event:
	default:
		sa.logger.Debugw("Device event channel full, dropping event", "endpointID", event.endpointID)
	}
}

// wcaEndpoint retains its handles for as long as the endpoint directory keeps
// it cached; Release is deterministic and final. This scoped-ownership
// discipline (rather than leaning on finalizers) needs verification against
// exclusive-mode audio applications on the target platform
type wcaEndpoint struct {
	logger   *zap.SugaredLogger
	eventCtx *ole.GUID

	id   string
	name string
	flow DataFlow

	mmDevice       *wca.IMMDevice
	endpointVolume *wca.IAudioEndpointVolume
	meter          *wca.IAudioMeterInformation
}

func (e *wcaEndpoint) ID() string     { return e.id }
func (e *wcaEndpoint) Name() string   { return e.name }
func (e *wcaEndpoint) Flow() DataFlow { return e.flow }

func (e *wcaEndpoint) Volume() (float32, error) {
	var level float32
	if err := e.endpointVolume.GetMasterVolumeLevelScalar(&level); err != nil {
		return 0, fmt.Errorf("get endpoint volume scalar: %w", err)
	}
	return level, nil
}

func (e *wcaEndpoint) SetVolume(level float32) error {
	if err := e.endpointVolume.SetMasterVolumeLevelScalar(clampLevel(level), e.eventCtx); err != nil {
		return fmt.Errorf("set endpoint volume scalar: %w", err)
	}
	return nil
}

func (e *wcaEndpoint) Muted() (bool, error) {
	var muted bool
	if err := e.endpointVolume.GetMute(&muted); err != nil {
		return false, fmt.Errorf("get endpoint mute: %w", err)
	}
	return muted, nil
}

func (e *wcaEndpoint) SetMute(muted bool) error {
	if err := e.endpointVolume.SetMute(muted, e.eventCtx); err != nil {
		return fmt.Errorf("set endpoint mute: %w", err)
	}
	return nil
}

func (e *wcaEndpoint) PeakLevel() (float32, error) {
	if e.meter == nil {
		return 0, nil
	}

	var peak float32
	if err := e.meter.GetPeakValue(&peak); err != nil {
		return 0, fmt.Errorf("get endpoint peak value: %w", err)
	}
	return peak, nil
}

func (e *wcaEndpoint) Sessions() ([]natSession, error) {
	if e.flow != FlowRender {
		return nil, nil
	}

	var audioSessionManager2 *wca.IAudioSessionManager2

	if err := e.mmDevice.Activate(
		wca.IID_IAudioSessionManager2,
		wca.CLSCTX_ALL,
		nil,
		&audioSessionManager2,
	); err != nil {
		return nil, fmt.Errorf("activate endpoint as IAudioSessionManager2: %w", err)
	}
	defer audioSessionManager2.Release()

	var sessionEnumerator *wca.IAudioSessionEnumerator

	if err := audioSessionManager2.GetSessionEnumerator(&sessionEnumerator); err != nil {
		return nil, fmt.Errorf("get session enumerator: %w", err)
	}
	defer sessionEnumerator.Release()

	var sessionCount int
	if err := sessionEnumerator.GetCount(&sessionCount); err != nil {
		return nil, fmt.Errorf("get session count: %w", err)
	}

	sessions := make([]natSession, 0, sessionCount)

	for sessionIdx := 0; sessionIdx < sessionCount; sessionIdx++ {
		var audioSessionControl *wca.IAudioSessionControl
		if err := sessionEnumerator.GetSession(sessionIdx, &audioSessionControl); err != nil {
			e.logger.Warnw("Failed to get session from session enumerator",
				"error", err,
				"sessionIdx", sessionIdx)
			continue
		}

		session, err := wrapSession(e.logger, audioSessionControl)
		if err != nil {
			e.logger.Debugw("Failed to wrap session, skipping", "error", err, "sessionIdx", sessionIdx)
			continue
		}

		sessions = append(sessions, session)
	}

	return sessions, nil
}

func (e *wcaEndpoint) Release() {
	if e.meter != nil {
		e.meter.Release()
	}
	if e.endpointVolume != nil {
		e.endpointVolume.Release()
	}
	if e.mmDevice != nil {
		e.mmDevice.Release()
	}
}

type wcaSession struct {
	logger *zap.SugaredLogger

	control *wca.IAudioSessionControl2
	volume  *wca.ISimpleAudioVolume
	meter   *wca.IAudioMeterInformation
}

// wrapSession queries the control's full interface set. Ownership of
// audioSessionControl transfers to the returned session on success; on
// failure everything acquired so far is released here
func wrapSession(logger *zap.SugaredLogger, audioSessionControl *wca.IAudioSessionControl) (*wcaSession, error) {
	dispatch, err := audioSessionControl.QueryInterface(wca.IID_IAudioSessionControl2)
	if err != nil {
		audioSessionControl.Release()
		return nil, fmt.Errorf("query session IAudioSessionControl2: %w", err)
	}

	audioSessionControl2 := (*wca.IAudioSessionControl2)(unsafe.Pointer(dispatch))

	// the base control and control2 point at the same COM object; keeping
	// one explicit reference is enough under scoped release
	audioSessionControl.Release()

	dispatch, err = audioSessionControl2.QueryInterface(wca.IID_ISimpleAudioVolume)
	if err != nil {
		audioSessionControl2.Release()
		return nil, fmt.Errorf("query session ISimpleAudioVolume: %w", err)
	}

	simpleAudioVolume := (*wca.ISimpleAudioVolume)(unsafe.Pointer(dispatch))

	// session meter is best-effort, same as the endpoint meter
	var meter *wca.IAudioMeterInformation
	dispatch, err = audioSessionControl2.QueryInterface(wca.IID_IAudioMeterInformation)
	if err == nil {
		meter = (*wca.IAudioMeterInformation)(unsafe.Pointer(dispatch))
	}

	return &wcaSession{
		logger:  logger,
		control: audioSessionControl2,
		volume:  simpleAudioVolume,
		meter:   meter,
	}, nil
}

func (s *wcaSession) ProcessID() (uint32, error) {
	var pid uint32

	if err := s.control.GetProcessId(&pid); err != nil {
		// the system sounds session errors with AUDCLNT_S_NO_CURRENT_PROCESS;
		// UWP sessions do too, but with the out param filled in correctly
		isSystemSoundsErr := s.control.IsSystemSoundsSession()
		if isSystemSoundsErr == nil {
			return 0, nil
		}

		if strings.Contains(err.Error(), noCurrentProcessErrCode) {
			return pid, nil
		}

		return 0, fmt.Errorf("get session pid: %w", err)
	}

	return pid, nil
}

func (s *wcaSession) InstanceID() string {
	var instanceID string
	if err := s.control.GetSessionInstanceIdentifier(&instanceID); err != nil {
		return ""
	}

	// the raw identifier embeds full device and process paths; a short stable
	// suffix is enough to disambiguate same-process sessions
	if idx := strings.LastIndex(instanceID, "%b"); idx != -1 {
		instanceID = instanceID[idx+2:]
	}

	return instanceID
}

func (s *wcaSession) DisplayName() string {
	var displayName string
	if err := s.control.GetDisplayName(&displayName); err != nil {
		return ""
	}
	return displayName
}

func (s *wcaSession) Volume() (float32, error) {
	var level float32
	if err := s.volume.GetMasterVolume(&level); err != nil {
		return 0, fmt.Errorf("get session volume: %w", err)
	}
	return level, nil
}

func (s *wcaSession) SetVolume(level float32) error {
	if err := s.volume.SetMasterVolume(clampLevel(level), nil); err != nil {
		return fmt.Errorf("set session volume: %w", err)
	}
	return nil
}

func (s *wcaSession) Muted() (bool, error) {
	var muted bool
	if err := s.volume.GetMute(&muted); err != nil {
		return false, fmt.Errorf("get session mute: %w", err)
	}
	return muted, nil
}

func (s *wcaSession) SetMute(muted bool) error {
	if err := s.volume.SetMute(muted, nil); err != nil {
		return fmt.Errorf("set session mute: %w", err)
	}
	return nil
}

func (s *wcaSession) PeakLevel() (float32, error) {
	if s.meter == nil {
		return 0, nil
	}

	var peak float32
	if err := s.meter.GetPeakValue(&peak); err != nil {
		return 0, fmt.Errorf("get session peak value: %w", err)
	}
	return peak, nil
}

func (s *wcaSession) Release() {
	if s.meter != nil {
		s.meter.Release()
	}
	if s.volume != nil {
		s.volume.Release()
	}
	if s.control != nil {
		s.control.Release()
	}
}
