package jit

// HostABI is the convention compiled code is emitted for.
var HostABI = Win64
