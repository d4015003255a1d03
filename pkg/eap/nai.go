package eap

import "fmt"

// PermanentNAI 由 IMSI 构造 EAP-AKA 永久身份 (3GPP TS 23.003 19.3.2)
// mcc/mnc 为空时取 IMSI 前 5 位，两位 MNC 补零到三位
func PermanentNAI(imsi, mcc, mnc string) string {
	if len(imsi) >= 5 {
		if mcc == "" {
			mcc = imsi[0:3]
		}
		if mnc == "" {
			mnc = imsi[3:5]
		}
	}
	if len(mnc) == 2 {
		mnc = "0" + mnc
	}
	return fmt.Sprintf("0%s@nai.epc.mnc%s.mcc%s.3gppnetwork.org", imsi, mnc, mcc)
}
