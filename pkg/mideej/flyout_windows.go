package mideej

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
)

// undocumented shell interfaces behind the native volume flyout; stable since
// Windows 10
var (
	clsidImmersiveShell      = ole.NewGUID("{C2F03A33-21F5-47FA-B4BB-156362A2F239}")
	iidServiceProvider       = ole.NewGUID("{6D5140C1-7436-11CE-8034-00AA006009FA}")
	iidAudioFlyoutController = ole.NewGUID("{41F9D2FB-7834-4AB6-8B1B-73E74064B465}")
)

type serviceProvider struct {
	ole.IUnknown
}

type serviceProviderVtbl struct {
	ole.IUnknownVtbl
	QueryService uintptr
}

func (sp *serviceProvider) queryService(sid, iid *ole.GUID, out unsafe.Pointer) error {
	vtbl := (*serviceProviderVtbl)(unsafe.Pointer(sp.RawVTable))

	hr, _, _ := syscall.SyscallN(
		vtbl.QueryService,
		uintptr(unsafe.Pointer(sp)),
		uintptr(unsafe.Pointer(sid)),
		uintptr(unsafe.Pointer(iid)),
		uintptr(out),
	)
	if hr != 0 {
		return ole.NewError(hr)
	}

	return nil
}

type audioFlyoutController struct {
	ole.IUnknown
}

type audioFlyoutControllerVtbl struct {
	ole.IUnknownVtbl
	ShowFlyout uintptr
}

func (fc *audioFlyoutController) showFlyout() error {
	vtbl := (*audioFlyoutControllerVtbl)(unsafe.Pointer(fc.RawVTable))

	hr, _, _ := syscall.SyscallN(
		vtbl.ShowFlyout,
		uintptr(unsafe.Pointer(fc)),
		0,
		0,
	)
	if hr != 0 {
		return ole.NewError(hr)
	}

	return nil
}

// ShowAudioFlyout pops the native Windows volume OSD, so master volume
// changes driven from here look the same as ones made with the media keys
func ShowAudioFlyout() error {
	unknown, err := ole.CreateInstance(clsidImmersiveShell, iidServiceProvider)
	if err != nil {
		return fmt.Errorf("create immersive shell instance: %w", err)
	}

	shell := (*serviceProvider)(unsafe.Pointer(unknown))
	defer shell.Release()

	var controller *audioFlyoutController
	if err := shell.queryService(iidAudioFlyoutController, iidAudioFlyoutController, unsafe.Pointer(&controller)); err != nil {
		return fmt.Errorf("query audio flyout controller: %w", err)
	}
	defer controller.Release()

	if err := controller.showFlyout(); err != nil {
		return fmt.Errorf("show audio flyout: %w", err)
	}

	return nil
}
