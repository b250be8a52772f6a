package api

const patchTaskMaxSize = 64 * 1024 // 64 KiB
