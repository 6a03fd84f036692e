// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry implements an OCI Distribution Specification v1.1 registry
// suitable for hosting module artifacts.
//
// The registry supports:
//   - Pull and push workflows for manifests and blobs
//   - Tag listing with n/last pagination
//   - Cross-repository blob mounts
//   - OCI-compliant error responses
//   - Optional Bearer token authentication
//   - HTTP compression for data transfer (zstd, gzip, deflate)
//
// Storage is pluggable: FilesystemStorage keeps everything below a root
// directory and ContainerdStorage uses a containerd daemon's content and
// image stores.
//
// # Token Authentication
//
// With WithTokenAuth every /v2 request needs a Bearer token. Requests
// without one get a 401 carrying a challenge such as
//
//	WWW-Authenticate: Bearer realm="http://host/token",service="modreg",scope="repository:mods/app:pull,push"
//
// The client then calls the realm with the service and scope parameters,
// authenticating with basic credentials (WithBasicUsers) or a pre-shared
// Bearer credential (WithBearerCredentials), and retries with the issued
// token. Issued tokens are HS256 JWTs whose access claim lists the granted
// repository actions. WithAnonymousPull lets unauthenticated callers obtain
// pull-only tokens.
//
// # Compression Support
//
// The registry compresses blob and manifest GET responses when clients send
// Accept-Encoding, preferring zstd over gzip over deflate, and decompresses
// request bodies sent with Content-Encoding for manifest uploads, blob chunk
// uploads and blob upload completion.
//
// Spec: https://github.com/opencontainers/distribution-spec/blob/main/spec.md
package registry
