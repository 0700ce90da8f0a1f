// Package depth groups the depth-camera pipeline.
//
// Data flows through the subpackages in one direction:
//
//	device     camera enumeration and the Source interface the vendor binding implements
//	capture    per-frame acquisition: flip, model-matrix transform, bounds filter, mesh, voxels
//	level      accelerometer auto-leveling that produces each camera's model matrix
//	voxel      decaying occupancy grid fed from captured points
//	scene      the per-frame loop tying cameras, leveling, publishing and rendering together
//	render     CPU point-sprite render pass (radial falloff, additive blend)
//	visualiser gRPC streaming of captured clouds
//	pcd        PCD import/export
//	imu        external accelerometer over a serial line
//	monitor    HTTP status, API, charts and websocket stream
//
// Coordinates: sensors report x right, y down, z forward. Capture flips them to
// x right, y up, z backward (the OpenGL convention) before any transform, and
// accelerometer samples are expressed in that flipped frame.
package depth
