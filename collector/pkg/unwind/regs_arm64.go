package unwind

// perf_regs.h: X29, LR, SP, PC.
const archUnwindRegs = 1<<29 | 1<<30 | 1<<31 | 1<<32
