package tpu

// queryScript prints one line per local chip, or the missing sentinel when
// tpu_info is not installed.
const queryScript = `try:
  from tpu_info import device, metrics
except ImportError:
  print("tpu_info missing")
  raise SystemExit(0)
try:
  chip_type, count = device.get_local_chips()
  chips_usage = metrics.get_chip_usage(chip_type)
  for chip_usage in chips_usage:
    print(f"{chip_usage.device_id:d} {chip_usage.memory_usage:d} {chip_usage.total_memory:d} {chip_usage.duty_cycle_pct:.4f} {chip_type.value.name}")
except Exception:
  pass
`

// compileScript byte-compiles argv[1] into argv[2].
const compileScript = `import py_compile, sys
py_compile.compile(sys.argv[1], cfile=sys.argv[2], doraise=True)
`
