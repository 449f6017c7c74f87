package unwind

// perf_regs.h: BP, SP, IP.
const archUnwindRegs = 1<<6 | 1<<7 | 1<<8
