// Package cloud owns the geometric data model used by registration.
//
// Responsibilities: point clouds, rigid transforms, nearest-neighbour
// search indices, voxel keypoint extraction, fit quality grading and
// LAS file I/O.
// Key types: Point, PointCloud, Transform, SearchIndex.
//
// Dependency rule: cloud never depends on registration or any transport.
// No SQL/database code is allowed in this package.
package cloud
