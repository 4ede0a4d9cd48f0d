package heap

// linearMemoryModule is the smallest possible WebAssembly module that
// exports a single growable linear memory and nothing else: no functions,
// no data, no imports. It stands in for the "OS" the Heap Extender's
// extend/grow primitive talks to — wazero's api.Memory.Grow on this
// module's memory plays exactly the role sbrk/brk plays for a native
// allocator, and api.Memory.Size reports how many bytes are currently
// backed (the Heap's own hi watermark is tracked separately and can sit
// below it).
//
// Binary layout (WebAssembly 1.0, module.md's Binary format):
//
//	\0asm, version 1                          magic + version
//	section 5 (memory): 1 memory, limits       min=0 pages, max=65536 pages
//	section 7 (export): "memory" -> memory 0
var linearMemoryModule = []byte{
	0x00, 0x61, 0x73, 0x6d, // magic "\0asm"
	0x01, 0x00, 0x00, 0x00, // version 1

	// memory section (id 5), size 6 bytes
	0x05, 0x06,
	0x01,                   // 1 memory
	0x01,                   // limits flag: min and max present
	0x00,                   // min = 0 pages
	0x80, 0x80, 0x04, // max = 65536 pages (LEB128)

	// export section (id 7), size 10 bytes
	0x07, 0x0a,
	0x01,                                     // 1 export
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', // name "memory"
	0x02, // kind = memory
	0x00, // memory index 0
}

// pageSize is the WebAssembly linear memory page size in bytes.
const pageSize = 65536
