package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrSessionInvalidated ErrCode = "SESSION_INVALIDATED"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"
	ErrTokenExpired       ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden         ErrCode = "FORBIDDEN"
	ErrPermissionDenied  ErrCode = "PERMISSION_DENIED"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"
	ErrAdminAccessOnly   ErrCode = "ADMIN_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound        ErrCode = "NOT_FOUND"
	ErrConflict        ErrCode = "CONFLICT"
	ErrActionForbidden ErrCode = "ACTION_FORBIDDEN"

	// ─── Quiz & attempt ────────────────────────────────────────────────
	ErrQuizNotAvailable      ErrCode = "QUIZ_NOT_AVAILABLE"
	ErrInstructionsRequired  ErrCode = "INSTRUCTIONS_REQUIRED"
	ErrAttemptNotFound       ErrCode = "ATTEMPT_NOT_FOUND"
	ErrAttemptFinished       ErrCode = "ATTEMPT_FINISHED"
	ErrAttemptInProgress     ErrCode = "ATTEMPT_IN_PROGRESS"
	ErrAttemptNotActive      ErrCode = "ATTEMPT_NOT_ACTIVE"
	ErrQuestionOutOfRange    ErrCode = "QUESTION_OUT_OF_RANGE"
	ErrInvalidAnswer         ErrCode = "INVALID_ANSWER"
	ErrSubmissionUnavailable ErrCode = "SUBMISSION_UNAVAILABLE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrSessionInvalidated:
		return "Sesi Anda telah berakhir. Silakan login kembali."
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrTokenExpired:
		return "Token autentikasi telah kedaluwarsa."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrPermissionDenied:
		return "Izin ditolak."
	case ErrStudentAccessOnly:
		return "Sumber daya ini terbatas untuk siswa."
	case ErrAdminAccessOnly:
		return "Sumber daya ini terbatas untuk administrator."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrConflict:
		return "Sumber daya sudah ada."
	case ErrActionForbidden:
		return "Tindakan ini tidak diperbolehkan."

	// ─── Quiz & attempt ────────────────────────────────────────────────
	case ErrQuizNotAvailable:
		return "Kuis ini saat ini tidak tersedia."
	case ErrInstructionsRequired:
		return "Anda harus menyetujui petunjuk pengerjaan terlebih dahulu."
	case ErrAttemptNotFound:
		return "Percobaan kuis tidak ditemukan."
	case ErrAttemptFinished:
		return "Percobaan kuis ini sudah selesai."
	case ErrAttemptInProgress:
		return "Percobaan kuis ini belum selesai."
	case ErrAttemptNotActive:
		return "Percobaan kuis tidak dalam keadaan aktif."
	case ErrQuestionOutOfRange:
		return "Nomor soal di luar jangkauan."
	case ErrInvalidAnswer:
		return "Jawaban tidak sesuai dengan jenis soal."
	case ErrSubmissionUnavailable:
		return "Pengumpulan jawaban tidak dapat diselesaikan."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
