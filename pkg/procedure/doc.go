// Package procedure holds the ProcedureRuntime adapters that perform the
// business logic behind a node's run code.
//
// Registry runs Go handlers in-process. StarlarkRuntime runs .star scripts,
// WASMRuntime runs WebAssembly modules under wazero, and ProcessRuntime drives
// a procedure-runner child over the JSON line protocol in the protocol
// subpackage. Serve is the runner side of that protocol. Router combines
// runtimes by run-code prefix.
package procedure
