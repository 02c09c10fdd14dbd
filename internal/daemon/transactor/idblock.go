package transactor

// generateIDBlock builds the 68-byte WRITEBLOCK payload SET_ID sends in
// place of its own (nonexistent) wire opcode: a 4-byte block-address
// header addressing the device's ID EEPROM page, followed by a 64-byte
// page whose first 12 bytes hold the NUL-padded label GETID later reads
// back. Firmware versions before the EEPROM layout settled (<=3) take an
// 8-byte label, later firmware a 12-byte one; the rest of the page is zero.
func generateIDBlock(label string, firmwareVersion uint16) []byte {
	const (
		blockAddress = 0x00000000
		labelField   = 12
		pageSize     = 64
	)

	block := make([]byte, 4+pageSize)
	block[0] = byte(blockAddress)
	block[1] = byte(blockAddress >> 8)
	block[2] = byte(blockAddress >> 16)
	block[3] = byte(blockAddress >> 24)

	labelBytes := []byte(label)
	n := labelField
	if firmwareVersion <= 3 {
		n = 8
	}
	if len(labelBytes) > n {
		labelBytes = labelBytes[:n]
	}
	copy(block[4:4+len(labelBytes)], labelBytes)
	// Remaining page bytes stay zero: reserved for firmware use.

	return block
}
