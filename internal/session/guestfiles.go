package session

// Runtime helper files written into /tools at refresh. Stubs import these;
// they carry tool calls to the host over line-delimited JSON on stdio and
// expose the guest-facing tools namespace and virtual-path file helpers.
// Protocol frames go to the raw stdout stream, never the (captured)
// console, so guest prints cannot corrupt them. The per-execution secret
// is injected by the generated entrypoint before user code loads, so the
// helpers never read the environment.

const runtimeHelperTS = `// Host IPC helper for sandboxed tool calls. Generated; do not edit.

type Pending = { resolve: (v: unknown) => void; reject: (e: Error) => void };

const pending = new Map<string, Pending>();
let readerStarted = false;
let seq = 0;

const encoder = new TextEncoder();

// Protocol frames bypass console.log: the entrypoint captures the
// console, and a pending partial print must never prefix a frame.
function writeFrame(line: string): void {
  Deno.stdout.writeSync(encoder.encode(line + "\n"));
}

function secret(): string {
  const s = (globalThis as Record<string, unknown>).__sandbox_secret;
  if (typeof s !== "string") {
    throw new Error("tool-call channel is not initialized");
  }
  return s;
}

async function readLoop(): Promise<void> {
  const decoder = new TextDecoder();
  let buf = "";
  for await (const chunk of Deno.stdin.readable) {
    buf += decoder.decode(chunk, { stream: true });
    let idx: number;
    while ((idx = buf.indexOf("\n")) >= 0) {
      const line = buf.slice(0, idx);
      buf = buf.slice(idx + 1);
      if (!line.trim()) continue;
      let msg: Record<string, unknown>;
      try {
        msg = JSON.parse(line);
      } catch {
        continue;
      }
      if (msg.type !== "toolcall_response") continue;
      const p = pending.get(String(msg.id));
      if (!p) continue;
      pending.delete(String(msg.id));
      if (msg.error) {
        p.reject(new Error(String(msg.error)));
      } else {
        p.resolve(msg.result);
      }
    }
  }
}

// callTool invokes a gateway tool by name and resolves with its result.
// Calls may be issued concurrently; responses are matched by id.
export function callTool(tool: string, args: Record<string, unknown>): Promise<unknown> {
  if (!readerStarted) {
    readerStarted = true;
    readLoop();
  }
  seq += 1;
  const id = "tc-" + seq;
  const line = JSON.stringify({ type: "toolcall", id, secret: secret(), tool, args });
  const result = new Promise<unknown>((resolve, reject) => {
    pending.set(id, { resolve, reject });
  });
  writeFrame(line);
  return result;
}

// sendResult emits the final result frame for this execution.
export function sendResult(result: string, error: string, exitCode: number): void {
  writeFrame(JSON.stringify({
    type: "result",
    secret: secret(),
    result,
    error,
    exit_code: exitCode,
  }));
}

type ToolFn = (args?: Record<string, unknown>) => Promise<unknown>;

function providerProxy(provider: string): Record<string, ToolFn> {
  return new Proxy({}, {
    get(_t, prop) {
      if (typeof prop === "symbol") return undefined;
      return (args: Record<string, unknown> = {}) =>
        callTool(provider + "/" + String(prop), args);
    },
  }) as Record<string, ToolFn>;
}

// tools exposes every mounted tool as tools.<provider>.<tool>(args).
export const tools = new Proxy({}, {
  get(_t, prop) {
    if (typeof prop === "symbol") return undefined;
    return providerProxy(String(prop));
  },
}) as Record<string, Record<string, ToolFn>>;

const MOUNTS = ["tools", "scratch", "skills", "results"];
const WRITABLE = ["scratch", "results"];

// resolvePath maps a sandbox virtual path (/scratch/x) to a real path
// relative to the working directory. Relative input anchors at /scratch.
export function resolvePath(vpath: string, writable = false): string {
  let raw = (vpath ?? "").trim();
  if (!raw) throw new Error("EACCES: invalid path");
  if (!raw.startsWith("/")) raw = "/scratch/" + raw;
  const parts = raw.split("/").filter((p) => p !== "" && p !== ".");
  const allowed = writable ? WRITABLE : MOUNTS;
  if (parts.includes("..") || !allowed.includes(parts[0])) {
    throw new Error("EACCES: path denied: /" + parts.join("/"));
  }
  return "./" + parts.join("/");
}

// readFile returns the text contents of a virtual path.
export function readFile(vpath: string): string {
  return Deno.readTextFileSync(resolvePath(vpath));
}

// writeFile writes text under a writable mount.
export function writeFile(vpath: string, content: string): void {
  const real = resolvePath(vpath, true);
  const dir = real.slice(0, real.lastIndexOf("/"));
  if (dir !== ".") Deno.mkdirSync(dir, { recursive: true });
  Deno.writeTextFileSync(real, content);
}

// listDir lists the entry names under a virtual directory, sorted.
export function listDir(vpath = "/scratch"): string[] {
  const names: string[] = [];
  for (const entry of Deno.readDirSync(resolvePath(vpath))) {
    names.push(entry.name);
  }
  return names.sort();
}
`

const runtimeHelperPy = `"""Host IPC and file helpers for sandboxed tool calls. Generated; do not edit."""
import json
import os
import sys
import threading

SECRET = None
ROOT = None

_MOUNTS = ("tools", "scratch", "skills", "results")
_WRITABLE = ("scratch", "results")

_lock = threading.Lock()
_responses = {}
_seq = 0


def _write_frame(payload):
    # Protocol frames bypass the captured sys.stdout: a pending partial
    # print must never prefix a frame.
    sys.__stdout__.write(json.dumps(payload) + "\n")
    sys.__stdout__.flush()


def call_tool(tool, args):
    """Invoke a gateway tool by name and return its result."""
    global _seq
    if SECRET is None:
        raise RuntimeError("tool-call channel is not initialized")
    with _lock:
        _seq += 1
        call_id = "tc-%d" % _seq
        _write_frame({
            "type": "toolcall",
            "id": call_id,
            "secret": SECRET,
            "tool": tool,
            "args": args,
        })
        while call_id not in _responses:
            line = sys.stdin.readline()
            if not line:
                raise RuntimeError("tool-call channel closed")
            try:
                msg = json.loads(line)
            except ValueError:
                continue
            if msg.get("type") != "toolcall_response":
                continue
            _responses[msg.get("id")] = msg
    msg = _responses.pop(call_id)
    if msg.get("error"):
        raise RuntimeError(str(msg["error"]))
    return msg.get("result")


def send_result(result, error, exit_code):
    """Emit the final result frame for this execution."""
    _write_frame({
        "type": "result",
        "secret": SECRET,
        "result": result,
        "error": error,
        "exit_code": exit_code,
    })


class _ToolGroup:
    def __init__(self, provider):
        self._provider = provider

    def __getattr__(self, item):
        def _invoke(args=None, **kwargs):
            merged = dict(args or {})
            merged.update(kwargs)
            return call_tool("%s/%s" % (self._provider, item), merged)
        return _invoke


class _Tools:
    """Every mounted tool, reachable as tools.<provider>.<tool>(args)."""

    def __getattr__(self, item):
        return _ToolGroup(item)


tools = _Tools()


def _virtual_to_real(path, writable=False):
    raw = (path or "").strip()
    if not raw:
        raise PermissionError("EACCES: invalid path")
    if not raw.startswith("/"):
        raw = "/scratch/" + raw
    normalized = "/" + raw.lstrip("/")
    parts = normalized.lstrip("/").split("/", 1)
    mount = parts[0]
    allowed = _WRITABLE if writable else _MOUNTS
    if mount not in allowed:
        raise PermissionError("EACCES: path denied: %s" % normalized)
    root = os.path.realpath(os.path.join(ROOT, mount))
    rest = parts[1] if len(parts) > 1 else ""
    real = os.path.realpath(os.path.join(root, rest))
    if real != root and not real.startswith(root + os.sep):
        raise PermissionError("EACCES: path denied: %s" % normalized)
    return real


def read_file(path):
    """Return the text contents of a sandbox virtual path."""
    real = _virtual_to_real(path)
    if not os.path.isfile(real):
        raise PermissionError("EACCES: read denied for path: %s" % path)
    with open(real, encoding="utf-8") as f:
        return f.read()


def write_file(path, content):
    """Write text under a writable sandbox mount."""
    real = _virtual_to_real(path, writable=True)
    os.makedirs(os.path.dirname(real), exist_ok=True)
    with open(real, "w", encoding="utf-8") as f:
        f.write(content)


def list_dir(path="/scratch"):
    """List the entry names under a sandbox virtual directory, sorted."""
    real = _virtual_to_real(path)
    if not os.path.isdir(real):
        raise PermissionError("EACCES: read denied for path: %s" % path)
    return sorted(os.listdir(real))
`
