package main

import (
	"context"
	"fmt"
	"log"

	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/banshee-data/depthview/internal/config"
	"github.com/banshee-data/depthview/internal/depth/capture"
	"github.com/banshee-data/depthview/internal/depth/device"
	"github.com/banshee-data/depthview/internal/depth/render"
	"github.com/banshee-data/depthview/internal/depth/scene"
)

// assignDevices picks the device for each configured camera. Cameras with a
// serial claim that device; the rest take unclaimed devices in enumeration
// order. With no cameras configured every device is used.
func assignDevices(devices []device.DeviceInfo, cameras []config.CameraConfig) ([]device.DeviceInfo, error) {
	if len(devices) == 0 {
		return nil, device.ErrNoDevices
	}
	if len(cameras) == 0 {
		return devices, nil
	}

	out := make([]device.DeviceInfo, len(cameras))
	claimed := make(map[string]bool, len(cameras))
	for i, cam := range cameras {
		if cam.Serial == "" {
			continue
		}
		d, err := device.Find(devices, cam.Serial)
		if err != nil {
			return nil, fmt.Errorf("camera %d: %w", i, err)
		}
		out[i] = d
		claimed[d.Serial] = true
	}

	next := 0
	for i, cam := range cameras {
		if cam.Serial != "" {
			continue
		}
		for next < len(devices) && claimed[devices[next].Serial] {
			next++
		}
		if next == len(devices) {
			return nil, fmt.Errorf("camera %d: %w: %d configured, %d connected", i, device.ErrDeviceNotFound, len(cameras), len(devices))
		}
		out[i] = devices[next]
		claimed[devices[next].Serial] = true
	}
	return out, nil
}

// openRigs opens one rig per assigned device. On error every camera opened so
// far is closed.
func openRigs(ctx context.Context, driver device.Driver, cfg *config.Config) (rigs []*scene.Rig, err error) {
	devices, err := driver.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	assigned, err := assignDevices(devices, cfg.Cameras)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			closeRigs(rigs)
			rigs = nil
		}
	}()

	n := len(assigned)
	for i, info := range assigned {
		var camCfg config.CameraConfig
		if i < len(cfg.Cameras) {
			camCfg = cfg.Cameras[i]
		}

		src, err := driver.Open(ctx, device.Options{
			Serial: info.Serial,
			Width:  cfg.GetWidth(),
			Height: cfg.GetHeight(),
			FPS:    cfg.GetFPS(),
		})
		if err != nil {
			return rigs, fmt.Errorf("failed to open %s: %w", info.Serial, err)
		}
		cam, err := capture.NewCamera(src, cfg.GetCaptureConfig())
		if err != nil {
			src.Close()
			return rigs, err
		}

		var color colorful.Color
		if camCfg.Color != "" {
			if color, err = render.ParseColor(camCfg.Color); err != nil {
				cam.Close()
				return rigs, fmt.Errorf("camera %s: %w", info.Serial, err)
			}
		} else {
			color = render.Palette(i)
		}

		lc := cfg.GetLevelConfig()
		if camCfg.UpsideDown != nil {
			lc.UpsideDown = *camCfg.UpsideDown
		}
		rig, err := scene.NewRig(cam, lc, color, cfg.CameraPose(i, n), cfg.GetStatsHistory())
		if err != nil {
			cam.Close()
			return rigs, fmt.Errorf("camera %s: %w", info.Serial, err)
		}
		log.Printf("[Capture] opened %s (%s, fw %s) colour %s", info.Serial, info.Name, info.Firmware, color.Hex())
		rigs = append(rigs, rig)
	}
	return rigs, nil
}

func closeRigs(rigs []*scene.Rig) {
	for _, r := range rigs {
		if err := r.Camera.Close(); err != nil {
			log.Printf("[Capture] failed to close %s: %v", r.Serial(), err)
		}
	}
}

// sceneConfig derives the frame loop settings. The voxel volume spans the
// capture bounds.
func sceneConfig(cfg *config.Config) scene.Config {
	sc := scene.DefaultConfig()
	cc := cfg.GetCaptureConfig()
	// fps 0 lets the driver pick the camera rate; the loop keeps its default.
	if fps := cfg.GetFPS(); fps > 0 {
		sc.FPS = fps
	}
	sc.CalibrateFor = cfg.GetCalibrateFor()
	sc.FirstFrameTimeout = cfg.GetFirstFrameTimeout()
	sc.CreateMesh = cfg.GetCreateMesh()
	sc.WithNormals = cfg.GetWithNormals()
	sc.VoxelMin = cc.Min
	sc.VoxelMax = cc.Max
	sc.VoxelDecay = float32(cfg.GetVoxelDecay())
	sc.VoxelAdd = float32(cfg.GetVoxelAdd())
	sc.StatsFlush = cfg.GetStatsFlush()
	return sc
}
