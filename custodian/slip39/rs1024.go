package slip39

// RS1024 checksum over 10-bit symbols, as used by SLIP-0039 mnemonics.
// The customization string "shamir" is mixed into the checksum so share
// strings cannot be confused with other bech32-family encodings.

const checksumWords = 3

var rs1024Customization = []int{'s', 'h', 'a', 'm', 'i', 'r'}

var rs1024Gen = [10]int{
	0x00E0E040, 0x01C1C080, 0x03838100, 0x07070200, 0x0E0E0009,
	0x1C0C2412, 0x38086C24, 0x3090FC48, 0x21B1F890, 0x3F3F120,
}

func rs1024Polymod(values []int) int {
	chk := 1
	for _, v := range values {
		b := chk >> 20
		chk = (chk&0xFFFFF)<<10 ^ v
		for i := 0; i < 10; i++ {
			if (b>>i)&1 == 1 {
				chk ^= rs1024Gen[i]
			}
		}
	}
	return chk
}

func rs1024CreateChecksum(data []int) []int {
	values := append(append(append([]int{}, rs1024Customization...), data...), 0, 0, 0)
	polymod := rs1024Polymod(values) ^ 1
	checksum := make([]int, checksumWords)
	for i := range checksum {
		checksum[i] = (polymod >> (10 * (checksumWords - 1 - i))) & 1023
	}
	return checksum
}

func rs1024VerifyChecksum(data []int) bool {
	return rs1024Polymod(append(append([]int{}, rs1024Customization...), data...)) == 1
}
