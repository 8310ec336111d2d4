// Package registration orchestrates point cloud registration for
// localisation.
//
// A Matcher owns one registration engine (Algorithm), decides which cloud
// feeds it (full ambient scan or extracted keypoints), folds the engine's
// correction into the caller's running pose, and hands the aligned cloud to
// optional Publisher and Visualizer collaborators. The engine itself is
// opaque; package icp provides one implementation.
//
// Dependency rule: registration depends on cloud and config only. Engines,
// publishers and visualizers depend on registration, never the reverse.
package registration
